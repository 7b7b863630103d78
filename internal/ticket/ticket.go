// Package ticket provides the reference booking-desk actions: ticket lookup,
// booking and cancellation. The handlers compute canned answers; they stand
// in for a real reservation backend.
package ticket

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stupiduntilnot/chatdesk/internal/action"
)

const (
	ActionGetTicketInfo = "get_ticket_info"
	ActionBookTicket    = "book_ticket"
	ActionCancelTicket  = "cancel_ticket"
)

const (
	// SeatPrice is the fare per seat in VND.
	SeatPrice      = 150000
	RemainingSeats = 12
)

// ErrInvalidSeats is returned when a booking asks for fewer than one seat.
var ErrInvalidSeats = errors.New("seats must be at least 1")

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog parses the embedded action schemas.
func Catalog() (map[string]action.Schema, error) {
	var schemas []action.Schema
	if err := yaml.Unmarshal(catalogYAML, &schemas); err != nil {
		return nil, fmt.Errorf("parse ticket catalog: %w", err)
	}
	out := make(map[string]action.Schema, len(schemas))
	for _, s := range schemas {
		out[s.Name] = s
	}
	return out, nil
}

// Service holds the handlers. NewID generates booking references.
type Service struct {
	NewID func() string
}

func NewService() *Service {
	return &Service{NewID: newTicketID}
}

func newTicketID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:8])
}

// Register installs all ticket actions into reg.
func Register(reg *action.Registry, svc *Service) error {
	catalog, err := Catalog()
	if err != nil {
		return err
	}
	handlers := map[string]action.HandlerFunc{
		ActionGetTicketInfo: svc.GetTicketInfo,
		ActionBookTicket:    svc.BookTicket,
		ActionCancelTicket:  svc.CancelTicket,
	}
	for _, name := range []string{ActionGetTicketInfo, ActionBookTicket, ActionCancelTicket} {
		schema, ok := catalog[name]
		if !ok {
			return fmt.Errorf("ticket catalog missing %s", name)
		}
		if err := reg.Register(action.NewFunc(schema, handlers[name])); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) GetTicketInfo(_ context.Context, args action.Args) (action.Result, error) {
	return action.Result{
		"route":           args.String("route"),
		"date":            args.String("date"),
		"time":            args.String("time"),
		"status":          "available",
		"remaining_seats": RemainingSeats,
		"price":           SeatPrice,
	}, nil
}

func (s *Service) BookTicket(_ context.Context, args action.Args) (action.Result, error) {
	seats := args.Int("seats")
	if seats < 1 {
		return nil, ErrInvalidSeats
	}
	return action.Result{
		"status":      "success",
		"route":       args.String("route"),
		"time":        args.String("time"),
		"seats":       seats,
		"ticket_id":   s.NewID(),
		"total_price": seats * SeatPrice,
	}, nil
}

func (s *Service) CancelTicket(_ context.Context, args action.Args) (action.Result, error) {
	id := args.String("ticket_id")
	return action.Result{
		"status":  "success",
		"message": fmt.Sprintf("Vé có mã %s đã được hủy thành công.", id),
		"refund":  SeatPrice,
	}, nil
}
