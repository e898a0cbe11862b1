package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the PrevHash of the first entry in every tenant chain.
const GenesisHash = "GENESIS"

// Entry is a single immutable record in a tenant's audit chain.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Seq         int64           `json:"seq"` // zero-based position in the tenant chain
	ActorUserID string          `json:"actor_user_id"`
	ActorRole   string          `json:"actor_role"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"` // canonical serialisation
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PayloadHash returns the SHA-256 of the stored canonical payload.
func (e *Entry) PayloadHash() string {
	return sha256Hex(e.Payload)
}

// ExpectedHash recomputes the entry hash from the stored PrevHash and payload.
func (e *Entry) ExpectedHash() string {
	return linkHash(e.PrevHash, e.PayloadHash())
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// AppendRequest describes one action to record. TenantID, ActorUserID and
// ActorRole come from the already-authenticated caller.
type AppendRequest struct {
	TenantID    string
	ActorUserID string
	ActorRole   string
	EntityType  string
	EntityID    string
	Action      string
	Payload     any
}

func (r AppendRequest) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	return nil
}

// prepared is an append request whose payload has been canonicalised. It is
// computed before any lock is taken.
type prepared struct {
	req         AppendRequest
	payload     []byte
	payloadHash string
}

func prepare(req AppendRequest) (*prepared, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	payload, err := Canonicalize(req.Payload)
	if err != nil {
		return nil, err
	}
	return &prepared{req: req, payload: payload, payloadHash: sha256Hex(payload)}, nil
}

// timeNow returns the current time (replaced in tests).
var timeNow = time.Now

// chainOnto builds the entry that follows head (nil for an empty chain).
func (p *prepared) chainOnto(head *Entry) *Entry {
	prevHash := GenesisHash
	var seq int64
	createdAt := timeNow().UTC().Truncate(time.Microsecond)
	if head != nil {
		prevHash = head.EntryHash
		seq = head.Seq + 1
		// Keep created_at ordering aligned with seq if the clock steps back.
		if createdAt.Before(head.CreatedAt) {
			createdAt = head.CreatedAt
		}
	}

	return &Entry{
		ID:          uuid.New(),
		TenantID:    p.req.TenantID,
		Seq:         seq,
		ActorUserID: p.req.ActorUserID,
		ActorRole:   p.req.ActorRole,
		EntityType:  p.req.EntityType,
		EntityID:    p.req.EntityID,
		Action:      p.req.Action,
		Payload:     append(json.RawMessage(nil), p.payload...),
		PrevHash:    prevHash,
		EntryHash:   linkHash(prevHash, p.payloadHash),
		CreatedAt:   createdAt,
	}
}
