package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signoff/internal/db"
)

const (
	InstanceStarted     = "instance.started"
	InstanceDecided     = "instance.decided"
	InstanceEscalated   = "instance.escalated"
	InstanceOverdue     = "instance.overdue"
	InstanceCompleted   = "instance.completed"
	DelegationCreated   = "delegation.created"
	DelegationRevoked   = "delegation.revoked"
	TemplateCreated     = "template.created"
	TemplateUpdated     = "template.updated"
	TemplateDeactivated = "template.deactivated"
	PrincipalUpdated    = "principal.updated"
	RoleUpdated         = "role.updated"
)

type Writer struct {
	DB  *db.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an outbox row inside tx so it commits or rolls back with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.DB.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
