// Package certwatch implements spec.md §4.4's CertChangeWatcher: a
// one-way observer that restarts the protected endpoint when the main
// node's own certificate rotates. Grounded on original_source's
// iamserver.cpp (OnNodeInfoChange's cert-refresh paths) and spec.md §9's
// Design Note on cyclic callbacks -- "implement as one-way interface
// abstractions held by reference; never resolve the cycle at construction
// by mutual ownership: the watcher is a separately-owned task fed by an
// observable, not by a back-pointer."
package certwatch

import (
	"context"
	"log/slog"

	"github.com/edgefleet/iamfleet/internal/iampb"
)

// Source is the subset of the CredentialStore collaborator the watcher
// needs: a subscription to every ApplyCert, which it filters for the
// configured cert_storage type.
type Source interface {
	Subscribe(fn func(iampb.CertInfo)) (unsubscribe func())
}

// Restarter is implemented by internal/rpcserver: it owns the protected
// endpoint's listener and rebuild/rebind sequence. The watcher never holds
// a back-pointer into rpcserver's internals, only this narrow interface.
type Restarter interface {
	RestartProtected(ctx context.Context, newCert iampb.CertInfo) error
}

// Watcher restarts the protected endpoint on every observed CertInfo for
// certStorageType, and is itself a separately-owned background task: its
// only inputs are Source (observable) and Restarter (one-way callback), so
// it cannot create a construction-time cycle with whatever owns the
// protected listener.
type Watcher struct {
	source          Source
	restarter       Restarter
	certStorageType string
	log             *slog.Logger

	unsubscribe func()
}

// New constructs a Watcher but does not yet subscribe; call Start to begin
// observing.
func New(source Source, restarter Restarter, certStorageType string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{source: source, restarter: restarter, certStorageType: certStorageType, log: log}
}

// Start subscribes to source; every CertInfo matching certStorageType
// triggers an asynchronous protected-endpoint restart. Idempotent: calling
// Start twice without Stop replaces the earlier subscription.
func (w *Watcher) Start(ctx context.Context) {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	w.unsubscribe = w.source.Subscribe(func(info iampb.CertInfo) {
		if info.Type != w.certStorageType {
			return
		}
		w.log.Info("cert rotation observed, restarting protected endpoint",
			"cert_type", info.Type, "not_after", info.NotAfter)
		go func() {
			if err := w.restarter.RestartProtected(ctx, info); err != nil {
				w.log.Error("protected endpoint restart failed", "error", err, "error_kind", "internal")
			}
		}()
	})
}

// Stop unsubscribes from the cert store. Idempotent.
func (w *Watcher) Stop() {
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
}
