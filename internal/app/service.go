// Package app wires the auth gate, document registry, broadcast hub
// and persistence together behind the server's HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"inkwell/sync/internal/auth"
	"inkwell/sync/internal/config"
	"inkwell/sync/internal/hub"
	"inkwell/sync/internal/presence"
	"inkwell/sync/internal/registry"
)

// dataStore is the slice of the persistence adapter the service talks
// to directly: liveness plus the last-write-wins blob path. Snapshot
// traffic goes through the registry.
type dataStore interface {
	FetchBlob(ctx context.Context, documentID, kind string) ([]byte, bool, error)
	StoreBlob(ctx context.Context, documentID, kind string, content []byte) error
	Ping(ctx context.Context) error
}

// blobStore allows pointing the blob path at object storage while
// snapshots stay in Postgres.
type blobStore interface {
	FetchBlob(ctx context.Context, documentID, kind string) ([]byte, bool, error)
	StoreBlob(ctx context.Context, documentID, kind string, content []byte) error
}

type presenceStore interface {
	Join(ctx context.Context, documentID, socketID, userID string) error
	Leave(ctx context.Context, documentID, socketID string) error
	List(ctx context.Context, documentID string) ([]presence.Collaborator, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	blobs    blobStore
	presence presenceStore
	registry *registry.Registry
	hub      *hub.Hub
}

func New(cfg config.Config, store dataStore, reg *registry.Registry, h *hub.Hub) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		blobs:    store,
		registry: reg,
		hub:      h,
	}
}

// UseBlobStore redirects the blob path, e.g. to MinIO.
func (s *Service) UseBlobStore(b blobStore) {
	s.blobs = b
}

// UsePresence enables the collaborator list. Without it, sync works
// and the list is empty.
func (s *Service) UsePresence(p presenceStore) {
	s.presence = p
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate runs the auth gate for a connection attempt.
func (s *Service) Authenticate(token, documentID string) (auth.Grant, error) {
	return auth.Verify([]byte(s.cfg.TokenSecret), token, documentID)
}

// MintToken issues a connect token on behalf of the metadata API. The
// issuer key is a deployment secret; minting is disabled when it is
// not configured.
func (s *Service) MintToken(issuerKey, documentID, userID string, permission auth.Permission) (string, error) {
	if s.cfg.IssuerKey == "" || issuerKey != s.cfg.IssuerKey {
		return "", auth.ErrInvalidToken
	}
	if permission != auth.PermissionRead && permission != auth.PermissionWrite {
		return "", fmt.Errorf("unknown permission %q", permission)
	}
	if documentID == "" {
		return "", fmt.Errorf("documentId is required")
	}
	return auth.Mint([]byte(s.cfg.TokenSecret), documentID, userID, permission, s.cfg.TokenTTL)
}

// RunSession attaches an authenticated socket to its document and
// pumps the sync protocol until the connection ends. Detach order
// matters: the hub stops waking the session before the registry
// decides whether this was the last session and flushes.
func (s *Service) RunSession(ctx context.Context, conn *websocket.Conn, documentID string, grant auth.Grant) error {
	socketID := uuid.NewString()

	doc, err := s.registry.Acquire(ctx, documentID)
	if err != nil {
		return fmt.Errorf("acquire document %s: %w", documentID, err)
	}

	session, err := hub.NewSession(socketID, conn, doc, grant, s.hub, s.registry, s.cfg.MaxDecodeFailures)
	if err != nil {
		s.registry.Release(context.WithoutCancel(ctx), documentID)
		return fmt.Errorf("create session: %w", err)
	}

	s.hub.Register(session)
	s.joinPresence(ctx, documentID, socketID, grant.UserID)

	slog.Info("session started", "socket", socketID, "document", documentID, "user", grant.UserID, "permission", grant.Permission)
	session.Run()
	slog.Info("session ended", "socket", socketID, "document", documentID)

	s.hub.Unregister(session)
	detachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.leavePresence(detachCtx, documentID, socketID)
	s.registry.Release(detachCtx, documentID)
	return nil
}

func (s *Service) joinPresence(ctx context.Context, documentID, socketID, userID string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Join(ctx, documentID, socketID, userID); err != nil {
		slog.Warn("presence join failed", "document", documentID, "err", err)
	}
}

func (s *Service) leavePresence(ctx context.Context, documentID, socketID string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Leave(ctx, documentID, socketID); err != nil {
		slog.Warn("presence leave failed", "document", documentID, "err", err)
	}
}

// Collaborators lists who is currently attached to a document.
func (s *Service) Collaborators(ctx context.Context, documentID string) ([]presence.Collaborator, error) {
	if s.presence == nil {
		return []presence.Collaborator{}, nil
	}
	return s.presence.List(ctx, documentID)
}

// FetchBlob reads a non-collaborative note's content.
func (s *Service) FetchBlob(ctx context.Context, documentID, kind string) ([]byte, bool, error) {
	return s.blobs.FetchBlob(ctx, documentID, kind)
}

// StoreBlob overwrites a non-collaborative note's content. Last write
// wins; this path never touches the merge engine.
func (s *Service) StoreBlob(ctx context.Context, documentID, kind string, content []byte) error {
	return s.blobs.StoreBlob(ctx, documentID, kind, content)
}
