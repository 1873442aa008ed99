// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"graphgate/internal/admission"
	"graphgate/internal/broker"
	"graphgate/internal/ledger"
	"graphgate/internal/upstream"
	"graphgate/pkg/faults"
)

// Operation is one upstream call as described by the caller-facing layer.
type Operation struct {
	Domain         string
	Weight         int
	RequiredScopes []string
	Method         string
	URL            string
	Body           []byte
	Header         http.Header
}

type Request struct {
	SessionID string
	Op        Operation
}

// Result is the normalized outcome handed back to the transport layer.
type Result struct {
	Status        int    `json:"status"`
	Body          []byte `json:"body,omitempty"`
	Digest        string `json:"digest"`
	CorrelationID string `json:"correlation_id"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// storedOutcome is what the ledger keeps for a completed write.
type storedOutcome struct {
	Status    int    `json:"status"`
	Body      []byte `json:"body,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Orchestrator composes the broker, ledger, admission controller and
// executor into the two operations the rest of the system calls.
type Orchestrator struct {
	broker *broker.Broker
	ledger *ledger.Ledger
	adm    *admission.Controller
	exec   *upstream.Executor
	log    *zap.SugaredLogger
}

func New(b *broker.Broker, l *ledger.Ledger, a *admission.Controller, e *upstream.Executor, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{broker: b, ledger: l, adm: a, exec: e, log: log}
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func fingerprint(op Operation) string {
	h := sha256.New()
	h.Write([]byte(op.Method))
	h.Write([]byte{0})
	h.Write([]byte(op.URL))
	h.Write([]byte{0})
	h.Write(op.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// ExecuteRead resolves the credential, takes an admission permit, performs
// the call and releases the permit on every path.
func (o *Orchestrator) ExecuteRead(ctx context.Context, req Request) (Result, error) {
	access, err := o.broker.ResolveCredential(ctx, req.SessionID, req.Op.RequiredScopes)
	if err != nil {
		return Result{}, err
	}
	return o.admitAndCall(ctx, access, req.Op)
}

// ExecuteWrite consults the idempotency ledger before anything reaches the
// upstream. Stored results replay byte-for-byte; in-flight duplicates and
// fingerprint conflicts are surfaced, never resolved silently.
func (o *Orchestrator) ExecuteWrite(ctx context.Context, req Request, idemKey string) (Result, error) {
	if idemKey == "" {
		return Result{}, faults.New(faults.InvalidRequest, "missing idempotency key")
	}
	access, err := o.broker.ResolveCredential(ctx, req.SessionID, req.Op.RequiredScopes)
	if err != nil {
		return Result{}, err
	}
	tenant, subject := access.Session.TenantID, access.Session.SubjectID

	out, err := o.ledger.CheckOrReserve(ctx, tenant, subject, idemKey, fingerprint(req.Op))
	if err != nil {
		return Result{}, err
	}
	switch out.Kind {
	case ledger.DuplicateCompleted:
		return o.replay(out)
	case ledger.DuplicateInFlight:
		return Result{}, faults.New(faults.RetryLater, "write with this idempotency key is in flight")
	case ledger.ConflictingFingerprint:
		return Result{}, faults.New(faults.InvalidRequest, "idempotency key reused with different request content")
	}

	res, err := o.admitAndCall(ctx, access, req.Op)
	if err != nil {
		// The upstream was never reached on admission rejection; free the
		// reservation so the caller's retry is not locked out for the TTL.
		if faults.IsCode(err, faults.AdmissionRejected) {
			_ = o.ledger.Release(ctx, tenant, subject, idemKey)
			return Result{}, err
		}
		stored, _ := json.Marshal(storedOutcome{ErrorCode: string(faults.CodeOf(err))})
		if cerr := o.ledger.Complete(ctx, tenant, subject, idemKey, stored, digest(stored), ledger.StatusFailed); cerr != nil {
			o.log.Warnw("ledger complete failed", "err", cerr)
		}
		return Result{}, err
	}
	stored, err := json.Marshal(storedOutcome{Status: res.Status, Body: res.Body})
	if err != nil {
		return Result{}, err
	}
	if cerr := o.ledger.Complete(ctx, tenant, subject, idemKey, stored, res.Digest, ledger.StatusCompleted); cerr != nil {
		o.log.Warnw("ledger complete failed", "err", cerr)
	}
	return res, nil
}

func (o *Orchestrator) admitAndCall(ctx context.Context, access broker.Access, op Operation) (Result, error) {
	permit, err := o.adm.Acquire(ctx, access.Session.TenantID, op.Domain, op.Weight)
	if err != nil {
		return Result{}, err
	}
	defer permit.Release()

	res, err := o.exec.Execute(ctx, upstream.Operation{
		Method:        op.Method,
		URL:           op.URL,
		Body:          op.Body,
		Header:        op.Header,
		Tenant:        access.Session.TenantID,
		EndpointClass: op.Domain,
		BearerToken:   access.Token,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:        res.Status,
		Body:          res.Body,
		Digest:        digest(res.Body),
		CorrelationID: res.CorrelationID,
	}, nil
}

// replay reconstructs the original outcome of a completed duplicate
// without touching the upstream.
func (o *Orchestrator) replay(out ledger.Outcome) (Result, error) {
	var stored storedOutcome
	if err := json.Unmarshal(out.Result, &stored); err != nil {
		return Result{}, err
	}
	if out.Status == ledger.StatusFailed {
		code := faults.Code(stored.ErrorCode)
		if code == "" {
			code = faults.UpstreamError
		}
		return Result{}, faults.New(code, "replay of a write that previously failed")
	}
	return Result{
		Status:   stored.Status,
		Body:     stored.Body,
		Digest:   out.ResultDigest,
		Replayed: true,
	}, nil
}
