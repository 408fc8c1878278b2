// Package reception wires the collaborators around the booking core: inbound
// text goes through extraction into the conversation's active task, staff
// messages are screened for leave requests, and customers get an optional
// LLM-drafted reply pushed through the SMS outbox.
package reception

import (
	"context"
	"strings"

	"reception/app/core/booking"
	"reception/app/core/conversation"
	"reception/app/core/extract"
	"reception/app/core/kb"
	"reception/app/core/llm"
	"reception/app/core/sms"
	"reception/app/pkg/logger"
)

// Responder produces a chat reply or reports that no responder is available.
type Responder interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Sender queues an outbound message for delivery; the SMS outbox implements
// it.
type Sender interface {
	Enqueue(ctx context.Context, phone, body string) (sms.OutboxItem, error)
}

type Service struct {
	coordinator   *booking.Coordinator
	bookingStore  *booking.Store
	conversations *conversation.Store
	kbStore       *kb.Store
	responder     Responder
	sender        Sender
}

func NewService(
	coordinator *booking.Coordinator,
	bookingStore *booking.Store,
	conversations *conversation.Store,
	kbStore *kb.Store,
	responder Responder,
	sender Sender,
) *Service {
	return &Service{
		coordinator:   coordinator,
		bookingStore:  bookingStore,
		conversations: conversations,
		kbStore:       kbStore,
		responder:     responder,
		sender:        sender,
	}
}

type InboundResult struct {
	ConversationID string
	TaskID         string
	Reply          string
	LeaveRequestID string
}

// HandleInbound processes one incoming text message end to end.
func (s *Service) HandleInbound(ctx context.Context, phone, text string) (InboundResult, error) {
	msg, err := s.conversations.AddMessage(ctx, phone, conversation.DirectionIn, text, nil)
	if err != nil {
		return InboundResult{}, err
	}
	result := InboundResult{ConversationID: msg.ConversationID}

	staff, isStaff, err := s.bookingStore.StaffByPhone(ctx, phone)
	if err != nil {
		return InboundResult{}, err
	}

	if isStaff {
		if req, ok := extract.LeaveRequestFrom(text); ok {
			created, err := s.bookingStore.CreateLeaveRequest(ctx, staff.ID, req.Content, req.StartTime, req.EndTime)
			if err != nil {
				return InboundResult{}, err
			}
			result.LeaveRequestID = created.ID
			result.Reply = "Your leave request has been recorded and is pending approval."
			s.reply(ctx, phone, result.Reply)
			return result, nil
		}
		// Staff chatter without a recognized request: log only.
		return result, nil
	}

	fields := extract.TaskFields(text, phone)
	task, err := s.coordinator.CreateOrUpdateFromExtraction(ctx, msg.ConversationID, booking.ExtractedFields{
		Title:        fields.Title,
		Address:      fields.Address,
		ContactPhone: fields.ContactPhone,
		Notes:        fields.Notes,
	})
	if err != nil {
		return InboundResult{}, err
	}
	result.TaskID = task.ID

	result.Reply = s.draftReply(ctx, text)
	if result.Reply != "" {
		s.reply(ctx, phone, result.Reply)
	}
	return result, nil
}

// draftReply asks the LLM responder for a reply with KB context. Responder
// failure degrades to no auto-reply; the operator answers by hand.
func (s *Service) draftReply(ctx context.Context, text string) string {
	if s.responder == nil {
		return ""
	}
	entries, err := s.kbStore.List(ctx, "")
	if err != nil {
		logger.Error("KB list for reply context failed: %v", err)
		entries = nil
	}

	messages := make([]llm.Message, 0, 6)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: "You are a field-service reception assistant. Reply briefly and ask for any missing booking detail (time, address, contact phone).",
	})
	for _, item := range kb.PickContext(text, entries, 4) {
		messages = append(messages, llm.Message{Role: item.Role, Content: item.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: text})

	reply, err := s.responder.Chat(ctx, messages)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(reply)
}

func (s *Service) reply(ctx context.Context, phone, body string) {
	if _, err := s.conversations.AddMessage(ctx, phone, conversation.DirectionOut, body, nil); err != nil {
		logger.Error("Log outbound message failed: %v", err)
	}
	if s.sender == nil {
		return
	}
	if _, err := s.sender.Enqueue(ctx, phone, body); err != nil {
		logger.Error("Enqueue outbound SMS failed: %v", err)
	}
}
