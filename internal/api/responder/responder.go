// Package responder implements the command channel of the control plane:
// path parsing, requestor authentication, permission checks, and the
// per-command handlers for enrollment, confirmation, revocation and CRL
// retrieval. A Responder also owns the background sweeper that rolls back
// pending certificates whose confirmation window expired.
package responder

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/audit"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/pending"
)

// Command names of the channel.
const (
	CmdHealth            = "health"
	CmdCACert            = "cacert"
	CmdCACertChain       = "cacertchain"
	CmdEnroll            = "enroll"
	CmdEnrollKeyUpdate   = "enroll_kup"
	CmdPollCert          = "poll_cert"
	CmdRevokeCert        = "revoke_cert"
	CmdConfirmEnroll     = "confirm_enroll"
	CmdRevokePendingCert = "revoke_pending_cert"
	CmdUnsuspendCert     = "unsuspend_cert"
	CmdRemoveCert        = "remove_cert"
	CmdGenCRL            = "gen_crl"
	CmdCRL               = "crl"
	CmdGetCert           = "get_cert"
)

// DefaultSweepPeriod is how often the sweeper collects expired pending
// certificates.
const DefaultSweepPeriod = 10 * time.Minute

// Config assembles a Responder.
type Config struct {
	Registry *ca.Registry

	// Audit receives one record per state-changing request. A nil writer
	// disables auditing.
	Audit audit.Writer

	Logger *zap.Logger

	// SweepPeriod defaults to DefaultSweepPeriod.
	SweepPeriod time.Duration

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// Responder dispatches control-plane commands.
type Responder struct {
	registry *ca.Registry
	pool     *pending.Pool
	audit    audit.Writer
	log      *zap.Logger
	metrics  *Metrics

	sweepPeriod time.Duration
	stop        chan struct{}
	done        chan struct{}
}

// New builds a Responder and starts its sweeper.
func New(cfg Config) *Responder {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	aud := cfg.Audit
	if aud == nil {
		aud = audit.NopWriter{}
	}
	period := cfg.SweepPeriod
	if period <= 0 {
		period = DefaultSweepPeriod
	}

	rs := &Responder{
		registry:    cfg.Registry,
		pool:        pending.NewPool(),
		audit:       aud,
		log:         log,
		metrics:     cfg.Metrics,
		sweepPeriod: period,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if rs.metrics != nil {
		rs.metrics.observePool(rs.pool)
	}
	go rs.sweepLoop()
	return rs
}

// Close stops the sweeper and waits for it to finish.
func (rs *Responder) Close() {
	close(rs.stop)
	<-rs.done
}

// request carries the resolved per-request state through the handlers.
type request struct {
	alias     string
	command   string
	entry     *ca.Entry
	requestor *ca.Requestor
	codec     dto.Codec
	body      []byte
	tid       string
}

func (rq *request) authority() ca.Authority { return rq.entry.Authority }

// ServeHTTP handles one command. Any failure, anticipated or not, leaves
// as a structured error response; the outermost conversion guarantees a
// raw internal fault never reaches the caller.
func (rs *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := dto.NegotiateCodec(r)
	if err != nil {
		var fallback dto.Codec
		fallback.WriteError(w, apierrors.From(err))
		return
	}

	rq := &request{codec: codec}
	resp, err := rs.dispatch(r, rq)
	rs.account(rq, err)
	if err != nil {
		oe := apierrors.From(err)
		if oe.TransactionID == "" && rq.tid != "" {
			oe = oe.WithTransaction(rq.tid)
		}
		codec.WriteError(w, oe)
		return
	}
	if resp == nil {
		resp = struct{}{}
	}
	codec.WriteResponse(w, http.StatusOK, resp)
}

func (rs *Responder) dispatch(r *http.Request, rq *request) (resp any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			rs.log.Error("command handler panicked",
				zap.Any("panic", rec),
				zap.String("command", rq.command),
				zap.String("ca", rq.alias))
			resp = nil
			err = apierrors.New(apierrors.CodeSystemFailure, "internal error")
		}
	}()

	alias, command, ok := splitPath(r.URL.Path)
	if !ok {
		return nil, apierrors.New(apierrors.CodePathNotFound, "expected /<ca>/<command>")
	}
	rq.alias = alias
	rq.command = strings.ToLower(command)

	entry, err := rs.registry.Resolve(alias)
	if err != nil {
		return nil, err
	}
	rq.entry = entry

	cert, err := clientCertificate(r)
	if err != nil {
		return nil, err
	}
	requestor, err := entry.RequestorFor(cert)
	if err != nil {
		return nil, err
	}
	rq.requestor = requestor

	if err := checkPermission(requestor, rq.command); err != nil {
		return nil, err
	}

	if rq.body, err = dto.ReadBody(r); err != nil {
		return nil, err
	}

	ctx := r.Context()
	switch rq.command {
	case CmdHealth:
		return rs.handleHealth(ctx, rq)
	case CmdCACert:
		return &dto.CertChainResponse{
			Certificates: [][]byte{rq.authority().CACert().Raw},
		}, nil
	case CmdCACertChain:
		chain := rq.authority().CAChain()
		certs := make([][]byte, 0, len(chain))
		for _, c := range chain {
			certs = append(certs, c.Raw)
		}
		return &dto.CertChainResponse{Certificates: certs}, nil
	case CmdEnroll:
		return rs.handleEnroll(ctx, rq, false)
	case CmdEnrollKeyUpdate:
		return rs.handleEnroll(ctx, rq, true)
	case CmdPollCert:
		return rs.handlePoll(ctx, rq)
	case CmdConfirmEnroll:
		return rs.handleConfirm(ctx, rq)
	case CmdRevokePendingCert:
		return rs.handleRevokePending(ctx, rq)
	case CmdRevokeCert:
		return rs.handleRevoke(ctx, rq)
	case CmdUnsuspendCert:
		return rs.handleSerials(ctx, rq, false)
	case CmdRemoveCert:
		return rs.handleSerials(ctx, rq, true)
	case CmdGenCRL:
		return rs.handleGenCRL(ctx, rq)
	case CmdCRL:
		return rs.handleGetCRL(ctx, rq)
	case CmdGetCert:
		return rs.handleGetCert(ctx, rq)
	default:
		return nil, apierrors.Newf(apierrors.CodePathNotFound, "unknown command %q", rq.command)
	}
}

func (rs *Responder) handleHealth(ctx context.Context, rq *request) (any, error) {
	if !rq.authority().Healthy(ctx) {
		return nil, apierrors.Newf(apierrors.CodeSystemUnavailable,
			"CA %s is not healthy", rq.authority().Name())
	}
	return nil, nil
}

// splitPath parses "/<alias>/<command>", tolerating a trailing slash.
func splitPath(path string) (alias, command string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// clientCertificate extracts the caller's certificate from the TLS layer,
// or from the X-SSL-Client-Cert header a terminating proxy sets.
func clientCertificate(r *http.Request) (*x509.Certificate, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0], nil
	}
	if header := r.Header.Get("X-SSL-Client-Cert"); header != "" {
		block, _ := pem.Decode([]byte(header))
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, apierrors.New(apierrors.CodeUnauthorized, "unreadable client certificate")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, apierrors.New(apierrors.CodeUnauthorized, "unreadable client certificate")
		}
		return cert, nil
	}
	return nil, apierrors.New(apierrors.CodeUnauthorized, "client certificate required")
}

// checkPermission enforces the per-command permission bits. health,
// cacert and cacertchain need authentication but no permission.
func checkPermission(requestor *ca.Requestor, command string) error {
	var need ca.Permission
	switch command {
	case CmdHealth, CmdCACert, CmdCACertChain:
		return nil
	case CmdEnroll:
		need = ca.PermEnroll
	case CmdEnrollKeyUpdate:
		need = ca.PermKeyUpdate
	case CmdRevokeCert:
		need = ca.PermRevoke
	case CmdUnsuspendCert:
		need = ca.PermUnsuspend
	case CmdRemoveCert:
		need = ca.PermRemove
	case CmdGenCRL:
		need = ca.PermGenCRL
	case CmdCRL:
		need = ca.PermGetCRL
	case CmdGetCert:
		need = ca.PermGetCert
	case CmdPollCert, CmdConfirmEnroll, CmdRevokePendingCert:
		if requestor.Permitted(ca.PermEnroll) || requestor.Permitted(ca.PermKeyUpdate) {
			return nil
		}
		return apierrors.Newf(apierrors.CodeNotPermitted,
			"%s requires enroll or key-update permission", command)
	default:
		// Unknown commands fail in the dispatch switch.
		return nil
	}
	if !requestor.Permitted(need) {
		return apierrors.Newf(apierrors.CodeNotPermitted, "%s is not permitted", command)
	}
	return nil
}

// account records the audit event and metrics for one request.
func (rs *Responder) account(rq *request, err error) {
	code := "OK"
	result := audit.ResultSuccess
	if err != nil {
		oe := apierrors.From(err)
		code = string(oe.Code)
		result = audit.ResultFailure
	}
	if rs.metrics != nil && rq.command != "" {
		rs.metrics.observeCommand(rq.command, code)
	}
	if rq.command == "" || rq.entry == nil {
		return
	}

	eventType := audit.EventType(strings.ToUpper(rq.command))
	if err != nil {
		if oe := apierrors.From(err); oe.Code == apierrors.CodeUnauthorized || oe.Code == apierrors.CodeNotPermitted {
			eventType = audit.EventAuthFailed
		}
	}
	event := audit.NewEvent(eventType, result)
	event.CA = rq.authority().Name()
	event.Command = rq.command
	event.TransactionID = rq.tid
	if rq.requestor != nil {
		event.Requestor = rq.requestor.Name
	}
	if err != nil {
		event.Reason = code
	}
	if werr := rs.audit.Write(event); werr != nil {
		rs.log.Error("audit write failed", zap.Error(werr))
	}
}
