// Package sms delivers outbound text messages. The only live mode is a
// simulator; delivery guarantees are explicitly out of scope, but sends are
// journaled through a persistent outbox so they survive restarts.
package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ModeSimulator = "simulator"
	ModeOff       = "off"

	StatusSent   = "sent"
	StatusFailed = "failed"
)

var ErrGatewayOff = errors.New("sms: gateway is off")

type Result struct {
	Status        string
	ProviderMsgID string
}

type Gateway struct {
	mode string
	now  func() time.Time
}

func NewGateway(mode string) *Gateway {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != ModeOff {
		mode = ModeSimulator
	}
	return &Gateway{mode: mode, now: time.Now}
}

func (g *Gateway) Mode() string {
	return g.mode
}

// Send pushes one message out. The simulator reports instant success with a
// synthetic provider id.
func (g *Gateway) Send(ctx context.Context, phone, text string) (Result, error) {
	if g.mode == ModeOff {
		return Result{Status: StatusFailed}, ErrGatewayOff
	}
	phone = strings.TrimSpace(phone)
	text = strings.TrimSpace(text)
	if phone == "" || text == "" {
		return Result{Status: StatusFailed}, errors.New("sms: phone and text are required")
	}
	return Result{
		Status:        StatusSent,
		ProviderMsgID: fmt.Sprintf("sim-%d", g.now().UnixMilli()),
	}, nil
}
