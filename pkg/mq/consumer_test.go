package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type fakeAck struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acks++; return nil }

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = a.requeued || requeue
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

func TestConsumerHandle_AckNackAndPanic(t *testing.T) {
	cases := []struct {
		name     string
		handler  MessageHandler
		wantAck  int
		wantNack int
	}{
		{"success acks", func(context.Context, string, []byte) error { return nil }, 1, 0},
		{"error dropped", func(context.Context, string, []byte) error { return errors.New("bad frame") }, 0, 1},
		{"panic dropped", func(context.Context, string, []byte) error { panic("boom") }, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &fakeAck{}
			c := &Consumer{handler: tc.handler, logger: zap.NewNop(), routingKey: "project.P1"}
			c.handle(context.Background(), amqp091.Delivery{Acknowledger: ack, RoutingKey: "project.P1", Body: []byte(`{}`)})
			if ack.acks != tc.wantAck || ack.nacks != tc.wantNack {
				t.Fatalf("acks=%d nacks=%d, want %d/%d", ack.acks, ack.nacks, tc.wantAck, tc.wantNack)
			}
			if ack.requeued {
				t.Fatal("failed message requeued")
			}
		})
	}
}

func TestStartConsuming_RequiresHandler(t *testing.T) {
	c := &Consumer{logger: zap.NewNop()}
	if err := c.StartConsuming(context.Background()); err == nil {
		t.Fatal("StartConsuming() without handler should fail")
	}
}

func TestProjectRoutingKey(t *testing.T) {
	if got := ProjectRoutingKey("P1"); got != "project.P1" {
		t.Fatalf("ProjectRoutingKey()=%q", got)
	}
}
