package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/rtcall/internal/call"
)

// Store is an in-memory call-record service shared by every user. Use For to
// get the Service view of one user.
type Store struct {
	mu      sync.Mutex
	records map[string]*call.Record
	order   []string
	issuer  *Issuer
	faults  map[string][]error
	now     func() time.Time
}

// NewStore creates an empty store. issuer may be nil, in which case room
// tokens are unavailable.
func NewStore(issuer *Issuer) *Store {
	return &Store{
		records: make(map[string]*call.Record),
		issuer:  issuer,
		faults:  make(map[string][]error),
		now:     time.Now,
	}
}

// FailNext makes the next call of op ("initiate", "accept", "decline", "end",
// "status", "active", "room-token") return err instead of running.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) fault(op string) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(callID string) (call.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return call.Record{}, false
	}
	return *rec, true
}

// Initiate creates a ringing record with userID as caller.
func (s *Store) Initiate(userID string, req InitiateRequest) (*call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("initiate"); err != nil {
		return nil, err
	}
	if !req.CallType.Valid() {
		return nil, fmt.Errorf("invalid call type %q", req.CallType)
	}
	if req.ReceiverID == "" || req.ReceiverID == userID {
		return nil, fmt.Errorf("invalid receiver %q", req.ReceiverID)
	}
	if live := s.liveFor(userID); live != nil {
		return nil, call.Conflict("initiate", live.ID, nil)
	}

	rec := &call.Record{
		ID:         uuid.NewString(),
		ChatID:     req.ChatID,
		CallType:   req.CallType,
		Status:     RecordRinging,
		CallerID:   userID,
		ReceiverID: req.ReceiverID,
		CreatedAt:  s.now().UTC(),
	}
	if rec.ChatID == "" {
		rec.ChatID = uuid.NewString()
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	out := *rec
	return &out, nil
}

// Accept marks a ringing record accepted. Only the receiver may accept.
func (s *Store) Accept(userID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("accept"); err != nil {
		return err
	}
	rec, err := s.lookup(userID, callID)
	if err != nil {
		return err
	}
	if rec.ReceiverID != userID {
		return ErrForbidden
	}
	if terminal(rec.Status) {
		return ErrTerminal
	}
	if rec.Status == RecordRinging {
		rec.Status = RecordAccepted
	}
	return nil
}

// Decline marks a record declined. Declining an already terminal record
// returns ErrTerminal.
func (s *Store) Decline(userID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("decline"); err != nil {
		return err
	}
	rec, err := s.lookup(userID, callID)
	if err != nil {
		return err
	}
	if terminal(rec.Status) {
		return ErrTerminal
	}
	rec.Status = RecordDeclined
	return nil
}

// End marks a record ended.
func (s *Store) End(userID, callID string, reason call.EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("end"); err != nil {
		return err
	}
	rec, err := s.lookup(userID, callID)
	if err != nil {
		return err
	}
	if terminal(rec.Status) {
		return ErrTerminal
	}
	if reason == call.ReasonDeclined {
		rec.Status = RecordDeclined
	} else {
		rec.Status = RecordEnded
	}
	return nil
}

// UpdateStatus sets a free-form status reported by a participant. Terminal
// records are not revived.
func (s *Store) UpdateStatus(userID, callID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("status"); err != nil {
		return err
	}
	rec, err := s.lookup(userID, callID)
	if err != nil {
		return err
	}
	if terminal(rec.Status) {
		return ErrTerminal
	}
	rec.Status = status
	return nil
}

// Active returns the newest live record involving userID, or nil.
func (s *Store) Active(userID string) (*call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("active"); err != nil {
		return nil, err
	}
	rec := s.liveFor(userID)
	if rec == nil {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// RoomToken issues a room credential for a participant of a live record.
func (s *Store) RoomToken(userID, callID string, role call.Role) (*call.RoomToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("room-token"); err != nil {
		return nil, err
	}
	if s.issuer == nil {
		return nil, fmt.Errorf("room tokens are not enabled")
	}
	rec, err := s.lookup(userID, callID)
	if err != nil {
		return nil, err
	}
	if terminal(rec.Status) {
		return nil, ErrTerminal
	}
	return s.issuer.IssueRoom(rec.ID, userID, role)
}

func (s *Store) lookup(userID, callID string) (*call.Record, error) {
	rec, ok := s.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.CallerID != userID && rec.ReceiverID != userID {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *Store) liveFor(userID string) *call.Record {
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if terminal(rec.Status) {
			continue
		}
		if rec.CallerID == userID || rec.ReceiverID == userID {
			return rec
		}
	}
	return nil
}

// For returns the Service view of userID.
func (s *Store) For(userID string) Service {
	return &userView{store: s, userID: userID}
}

type userView struct {
	store  *Store
	userID string
}

func (v *userView) InitiateCall(ctx context.Context, req InitiateRequest) (*call.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.store.Initiate(v.userID, req)
}

func (v *userView) AcceptCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.store.Accept(v.userID, callID)
}

func (v *userView) DeclineCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.store.Decline(v.userID, callID)
}

func (v *userView) EndCall(ctx context.Context, callID string, reason call.EndReason) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.store.End(v.userID, callID, reason)
}

func (v *userView) UpdateCallStatus(ctx context.Context, callID string, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.store.UpdateStatus(v.userID, callID, status)
}

func (v *userView) GetActiveCall(ctx context.Context) (*call.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.store.Active(v.userID)
}

func (v *userView) GetRoomToken(ctx context.Context, callID string, role call.Role) (*call.RoomToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.store.RoomToken(v.userID, callID, role)
}
