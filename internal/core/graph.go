package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"sfmgraph/internal/lock"
	"sfmgraph/pkg/domain"
)

// CreateNode stores n, generating an ID when none is supplied.
func (s *Service) CreateNode(ctx context.Context, n Node) (Node, error) {
	return s.createTyped(ctx, "create_node", n)
}

// CreateActor stores n as an actor node.
func (s *Service) CreateActor(ctx context.Context, n Node) (Node, error) {
	n.Type = NodeActor
	return s.createTyped(ctx, "create_actor", n)
}

// CreateInstitution stores n as an institution node.
func (s *Service) CreateInstitution(ctx context.Context, n Node) (Node, error) {
	n.Type = NodeInstitution
	return s.createTyped(ctx, "create_institution", n)
}

// CreatePolicy stores n as a policy node.
func (s *Service) CreatePolicy(ctx context.Context, n Node) (Node, error) {
	n.Type = NodePolicy
	return s.createTyped(ctx, "create_policy", n)
}

// CreateResource stores n as a resource node.
func (s *Service) CreateResource(ctx context.Context, n Node) (Node, error) {
	n.Type = NodeResource
	return s.createTyped(ctx, "create_resource", n)
}

func (s *Service) createTyped(ctx context.Context, op string, n Node) (Node, error) {
	var created Node
	err := s.mutate(ctx, op, func(ctx context.Context) (string, error) {
		var err error
		created, err = s.createNode(ctx, n)
		return created.ID, err
	})
	if err != nil {
		return Node{}, err
	}
	return created, nil
}

func (s *Service) createNode(ctx context.Context, n Node) (Node, error) {
	if n.Type == "" {
		return Node{}, fmt.Errorf("create node: type is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := s.lockEntities(ctx, lock.Request{EntityID: n.ID, Type: lock.Write}); err != nil {
		return Node{}, err
	}
	created, err := s.store.CreateNode(n)
	if err != nil {
		return Node{}, err
	}
	s.txns.AddOperation(ctx, "create_node", map[string]any{
		"id":    created.ID,
		"type":  string(created.Type),
		"label": created.Label,
	}, deleteNodeCommand(created.ID))
	return created, nil
}

// BulkCreateActors stores every node as an actor in one transaction. Either
// all actors are created or, on the first failure, none remain.
func (s *Service) BulkCreateActors(ctx context.Context, nodes []Node) ([]Node, error) {
	created := make([]Node, 0, len(nodes))
	err := s.mutate(ctx, "bulk_create_actors", func(ctx context.Context) (string, error) {
		for i, n := range nodes {
			n.Type = NodeActor
			c, err := s.createNode(ctx, n)
			if err != nil {
				return "", fmt.Errorf("bulk create actor %d: %w", i, err)
			}
			created = append(created, c)
		}
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateNode applies mutator to the node under its WRITE lock.
func (s *Service) UpdateNode(ctx context.Context, id string, mutator func(*Node) error) (Node, error) {
	var updated Node
	err := s.mutate(ctx, "update_node", func(ctx context.Context) (string, error) {
		if err := s.lockEntities(ctx, lock.Request{EntityID: id, Type: lock.Write}); err != nil {
			return id, err
		}
		prev, ok := s.store.GetNode(id)
		if !ok {
			return id, domain.NotFound(domain.EntityNode, id)
		}
		var err error
		updated, err = s.store.UpdateNode(id, mutator)
		if err != nil {
			return id, err
		}
		s.txns.AddOperation(ctx, "update_node", map[string]any{"id": id, "version": updated.Version}, restoreNodeCommand(prev))
		return id, nil
	})
	if err != nil {
		return Node{}, err
	}
	return updated, nil
}

// DeleteNode removes the node and every relationship incident to it.
func (s *Service) DeleteNode(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete_node", func(ctx context.Context) (string, error) {
		// The node's WRITE lock blocks new relationships to it, so the
		// incident set listed below cannot grow.
		if err := s.lockEntities(ctx, lock.Request{EntityID: id, Type: lock.Write}); err != nil {
			return id, err
		}
		prev, ok := s.store.GetNode(id)
		if !ok {
			return id, domain.NotFound(domain.EntityNode, id)
		}
		var reqs []lock.Request
		for _, rel := range s.store.ListRelationships("") {
			if rel.SourceID == id || rel.TargetID == id {
				reqs = append(reqs, lock.Request{EntityID: rel.ID, Type: lock.Write})
			}
		}
		if len(reqs) > 0 {
			if err := s.lockEntities(ctx, reqs...); err != nil {
				return id, err
			}
		}
		for _, req := range reqs {
			rel, ok := s.store.GetRelationship(req.EntityID)
			if !ok {
				continue
			}
			if err := s.store.DeleteRelationship(rel.ID); err != nil {
				return id, fmt.Errorf("cascade delete relationship %q: %w", rel.ID, err)
			}
			s.txns.AddOperation(ctx, "delete_relationship", map[string]any{"id": rel.ID, "cascade_from": id}, restoreRelationshipCommand(rel))
		}
		if err := s.store.DeleteNode(id); err != nil {
			return id, err
		}
		s.txns.AddOperation(ctx, "delete_node", map[string]any{"id": id, "cascaded": len(reqs)}, restoreNodeCommand(prev))
		return id, nil
	})
}

// CreateRelationship stores r after confirming both endpoints exist. The
// endpoints stay READ-locked until the transaction closes so neither can be
// deleted underneath the new relationship.
func (s *Service) CreateRelationship(ctx context.Context, r Relationship) (Relationship, error) {
	var created Relationship
	err := s.mutate(ctx, "create_relationship", func(ctx context.Context) (string, error) {
		var err error
		created, err = s.createRelationship(ctx, r)
		return created.ID, err
	})
	if err != nil {
		return Relationship{}, err
	}
	return created, nil
}

// Connect creates a relationship of kind from sourceID to targetID.
func (s *Service) Connect(ctx context.Context, sourceID, targetID string, kind RelationshipKind, weight float64, meta map[string]string) (Relationship, error) {
	return s.CreateRelationship(ctx, Relationship{
		SourceID: sourceID,
		TargetID: targetID,
		Kind:     kind,
		Weight:   weight,
		Meta:     meta,
	})
}

func (s *Service) createRelationship(ctx context.Context, r Relationship) (Relationship, error) {
	switch {
	case r.SourceID == "" || r.TargetID == "":
		return Relationship{}, fmt.Errorf("create relationship: endpoints are required: %w", domain.ErrInvalidRelationship)
	case r.Kind == "":
		return Relationship{}, fmt.Errorf("create relationship: kind is required: %w", domain.ErrInvalidRelationship)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	err := s.lockEntities(ctx,
		lock.Request{EntityID: r.SourceID, Type: lock.Read},
		lock.Request{EntityID: r.TargetID, Type: lock.Read},
		lock.Request{EntityID: r.ID, Type: lock.Write},
	)
	if err != nil {
		return Relationship{}, err
	}
	if err := s.validator.CheckEndpointsExist(r.SourceID, r.TargetID); err != nil {
		return Relationship{}, err
	}
	created, err := s.store.CreateRelationship(r)
	if err != nil {
		return Relationship{}, err
	}
	s.txns.AddOperation(ctx, "create_relationship", map[string]any{
		"id":        created.ID,
		"source_id": created.SourceID,
		"target_id": created.TargetID,
		"kind":      string(created.Kind),
	}, deleteRelationshipCommand(created.ID))
	return created, nil
}

// UpdateRelationship applies mutator to the relationship under its WRITE
// lock. Endpoints are immutable.
func (s *Service) UpdateRelationship(ctx context.Context, id string, mutator func(*Relationship) error) (Relationship, error) {
	var updated Relationship
	err := s.mutate(ctx, "update_relationship", func(ctx context.Context) (string, error) {
		if err := s.lockEntities(ctx, lock.Request{EntityID: id, Type: lock.Write}); err != nil {
			return id, err
		}
		prev, ok := s.store.GetRelationship(id)
		if !ok {
			return id, domain.NotFound(domain.EntityRelationship, id)
		}
		var err error
		updated, err = s.store.UpdateRelationship(id, mutator)
		if err != nil {
			return id, err
		}
		s.txns.AddOperation(ctx, "update_relationship", map[string]any{"id": id}, restoreRelationshipCommand(prev))
		return id, nil
	})
	if err != nil {
		return Relationship{}, err
	}
	return updated, nil
}

// DeleteRelationship removes one relationship.
func (s *Service) DeleteRelationship(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete_relationship", func(ctx context.Context) (string, error) {
		if err := s.lockEntities(ctx, lock.Request{EntityID: id, Type: lock.Write}); err != nil {
			return id, err
		}
		prev, ok := s.store.GetRelationship(id)
		if !ok {
			return id, domain.NotFound(domain.EntityRelationship, id)
		}
		if err := s.store.DeleteRelationship(id); err != nil {
			return id, err
		}
		s.txns.AddOperation(ctx, "delete_relationship", map[string]any{"id": id}, restoreRelationshipCommand(prev))
		return id, nil
	})
}

// GetNode reads a node under a READ lock.
func (s *Service) GetNode(ctx context.Context, id string) (Node, error) {
	var out Node
	err := s.read(ctx, "get_node", id, func() error {
		n, ok := s.store.GetNode(id)
		if !ok {
			return domain.NotFound(domain.EntityNode, id)
		}
		out = n
		return nil
	})
	return out, err
}

// GetRelationship reads a relationship under a READ lock.
func (s *Service) GetRelationship(ctx context.Context, id string) (Relationship, error) {
	var out Relationship
	err := s.read(ctx, "get_relationship", id, func() error {
		r, ok := s.store.GetRelationship(id)
		if !ok {
			return domain.NotFound(domain.EntityRelationship, id)
		}
		out = r
		return nil
	})
	return out, err
}

// ListNodes returns nodes of nodeType ordered by ID; an empty type lists all.
func (s *Service) ListNodes(_ context.Context, nodeType NodeType) []Node {
	return s.store.ListNodes(nodeType)
}

// ListRelationships returns relationships of kind ordered by ID; an empty
// kind lists all.
func (s *Service) ListRelationships(_ context.Context, kind RelationshipKind) []Relationship {
	return s.store.ListRelationships(kind)
}

// Neighbors returns the sorted IDs of nodes reachable from id within distance
// hops, following relationships in either direction. When kinds is non-empty
// only relationships of those kinds are followed. A distance below one is
// treated as one.
func (s *Service) Neighbors(ctx context.Context, id string, distance int, kinds ...RelationshipKind) ([]string, error) {
	if distance < 1 {
		distance = 1
	}
	allowed := make(map[RelationshipKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	var out []string
	err := s.store.View(ctx, func(view domain.GraphView) error {
		if _, ok := view.FindNode(id); !ok {
			return domain.NotFound(domain.EntityNode, id)
		}
		adjacent := make(map[string][]string)
		for _, rel := range view.ListRelationships() {
			if len(allowed) > 0 && !allowed[rel.Kind] {
				continue
			}
			adjacent[rel.SourceID] = append(adjacent[rel.SourceID], rel.TargetID)
			adjacent[rel.TargetID] = append(adjacent[rel.TargetID], rel.SourceID)
		}
		seen := map[string]bool{id: true}
		frontier := []string{id}
		for hop := 0; hop < distance && len(frontier) > 0; hop++ {
			var next []string
			for _, cur := range frontier {
				for _, nb := range adjacent[cur] {
					if seen[nb] {
						continue
					}
					seen[nb] = true
					if _, ok := view.FindNode(nb); ok {
						out = append(out, nb)
					}
					next = append(next, nb)
				}
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out, nil
}
