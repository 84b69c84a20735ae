package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tutorbase/internal/database"
	"tutorbase/internal/errcode"
	"tutorbase/internal/tasks"
)

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeMailer struct {
	sent []sentMail
	fail bool
}

func (m *fakeMailer) Send(to, subject, body string) error {
	if m.fail {
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

// fakePublisher 只拦截 Publish，其余方法不会被任务处理器触达。
type fakePublisher struct {
	redis.UniversalClient
	channels []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channels = append(p.channels, channel)
	if data, ok := message.([]byte); ok {
		p.payloads = append(p.payloads, data)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func newWorkerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:worker_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newContactHandler(db *gorm.DB, pub *fakePublisher, mailer *fakeMailer) *ContactTaskHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewContactTaskHandler(db, pub, mailer, "admin@example.com", logger)
}

func decodeNotify(t *testing.T, data []byte) tasks.AdminNotifyMessage {
	t.Helper()
	var notify tasks.AdminNotifyMessage
	if err := json.Unmarshal(data, &notify); err != nil {
		t.Fatalf("decode notify payload: %v", err)
	}
	return notify
}

func TestProcessTaskSendsEmailAndPublishes(t *testing.T) {
	db := newWorkerDB(t)
	pub := &fakePublisher{}
	mailer := &fakeMailer{}
	h := newContactHandler(db, pub, mailer)

	message := database.ContactMessage{
		Name:      "Jane Doe",
		Email:     "jane@example.com",
		Message:   "Looking for algebra help",
		Scheduled: true,
	}
	if err := db.Create(&message).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}

	task, err := tasks.NewContactNotifyTask(message.ID, "cid-1")
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("emails sent = %d, want 1", len(mailer.sent))
	}
	mail := mailer.sent[0]
	if mail.to != "admin@example.com" {
		t.Fatalf("mail to = %q", mail.to)
	}
	if !strings.Contains(mail.subject, "Jane Doe") {
		t.Fatalf("mail subject = %q", mail.subject)
	}
	if !strings.Contains(mail.body, "Looking for algebra help") {
		t.Fatalf("mail body = %q", mail.body)
	}

	if len(pub.channels) != 1 || pub.channels[0] != tasks.ChannelAdminNotify {
		t.Fatalf("published channels = %v", pub.channels)
	}
	notify := decodeNotify(t, pub.payloads[0])
	if notify.Code != errcode.OK || notify.MessageID != message.ID {
		t.Fatalf("notify = %+v", notify)
	}
	if notify.Name != "Jane Doe" || notify.CorrelationID != "cid-1" {
		t.Fatalf("notify = %+v", notify)
	}
}

func TestProcessTaskSkipsMissingMessage(t *testing.T) {
	db := newWorkerDB(t)
	pub := &fakePublisher{}
	mailer := &fakeMailer{}
	h := newContactHandler(db, pub, mailer)

	task, err := tasks.NewContactNotifyTask(999, "cid-2")
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	// 留言缺失返回 nil：任务不进重试，但后台仍收到一条异常通知。
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask = %v, want nil", err)
	}

	if len(mailer.sent) != 0 {
		t.Fatalf("email sent for missing message: %v", mailer.sent)
	}
	if len(pub.channels) != 1 || pub.channels[0] != tasks.ChannelAdminNotify {
		t.Fatalf("published channels = %v", pub.channels)
	}
	notify := decodeNotify(t, pub.payloads[0])
	if notify.Code != errcode.ResourceMissing || notify.MessageID != 999 {
		t.Fatalf("notify = %+v", notify)
	}
}

func TestProcessTaskReturnsErrorWhenMailFails(t *testing.T) {
	db := newWorkerDB(t)
	pub := &fakePublisher{}
	h := newContactHandler(db, pub, &fakeMailer{fail: true})

	message := database.ContactMessage{Name: "Bob", Email: "bob@example.com", Message: "hi"}
	if err := db.Create(&message).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}

	task, err := tasks.NewContactNotifyTask(message.ID, "cid-3")
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	// 发信失败必须把错误抛回 asynq 触发重试，且不提前广播成功通知。
	if err := h.ProcessTask(context.Background(), task); err == nil {
		t.Fatal("ProcessTask = nil, want error")
	}
	if len(pub.channels) != 0 {
		t.Fatalf("published despite mail failure: %v", pub.channels)
	}
}
