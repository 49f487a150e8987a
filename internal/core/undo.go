package core

import (
	"context"
	"encoding/json"
	"fmt"

	"sfmgraph/internal/txn"
)

// Undo actions registered by every Service.
const (
	UndoDeleteNode          = "delete_node"
	UndoRestoreNode         = "restore_node"
	UndoDeleteRelationship  = "delete_relationship"
	UndoRestoreRelationship = "restore_relationship"
)

var builtinUndoActions = []string{UndoDeleteNode, UndoRestoreNode, UndoDeleteRelationship, UndoRestoreRelationship}

// Undo handlers write to the store directly: the rolling-back transaction
// still holds the WRITE locks taken by the operations being undone.
func (s *Service) registerUndoHandlers() {
	s.undo.Register(UndoDeleteNode, func(_ context.Context, payload map[string]any) error {
		id, err := txn.PayloadString(payload, "id")
		if err != nil {
			return err
		}
		return s.store.DeleteNode(id)
	})
	s.undo.Register(UndoRestoreNode, func(_ context.Context, payload map[string]any) error {
		var n Node
		if err := decodePayload(payload, "node", &n); err != nil {
			return err
		}
		return s.store.RestoreNode(n)
	})
	s.undo.Register(UndoDeleteRelationship, func(_ context.Context, payload map[string]any) error {
		id, err := txn.PayloadString(payload, "id")
		if err != nil {
			return err
		}
		return s.store.DeleteRelationship(id)
	})
	s.undo.Register(UndoRestoreRelationship, func(_ context.Context, payload map[string]any) error {
		var r Relationship
		if err := decodePayload(payload, "relationship", &r); err != nil {
			return err
		}
		return s.store.RestoreRelationship(r)
	})
}

func deleteNodeCommand(id string) *txn.Command {
	return &txn.Command{Action: UndoDeleteNode, Payload: map[string]any{"id": id}}
}

func restoreNodeCommand(n Node) *txn.Command {
	return &txn.Command{Action: UndoRestoreNode, Payload: map[string]any{"node": n}}
}

func deleteRelationshipCommand(id string) *txn.Command {
	return &txn.Command{Action: UndoDeleteRelationship, Payload: map[string]any{"id": id}}
}

func restoreRelationshipCommand(r Relationship) *txn.Command {
	return &txn.Command{Action: UndoRestoreRelationship, Payload: map[string]any{"relationship": r}}
}

// decodePayload reads payload[key] into dst. Values stored by this package
// are typed; anything else is converted through JSON.
func decodePayload[T any](payload map[string]any, key string, dst *T) error {
	raw, ok := payload[key]
	if !ok {
		return fmt.Errorf("payload missing %q", key)
	}
	switch v := raw.(type) {
	case T:
		*dst = v
		return nil
	case *T:
		if v == nil {
			return fmt.Errorf("payload field %q is nil", key)
		}
		*dst = *v
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("payload field %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("payload field %q: %w", key, err)
	}
	return nil
}
