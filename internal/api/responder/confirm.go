package responder

import (
	"context"
	"crypto/sha256"

	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/audit"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/pending"
)

// handleConfirm serves confirm_enroll. Each entry accepts or rejects one
// pending certificate, identified by transaction, request id and
// certificate hash. Entries that match nothing are logged and skipped.
// Rejected certificates, and every certificate of the transaction the
// client left unacknowledged, are revoked; if any of that happened the
// call as a whole reports a failure.
func (rs *Responder) handleConfirm(ctx context.Context, rq *request) (any, error) {
	var req dto.ConfirmRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	rq.tid = req.TransactionID
	if rq.tid == "" {
		return nil, apierrors.New(apierrors.CodeBadRequest, "transaction id is required")
	}

	revoked := false
	for _, e := range req.Entries {
		if len(e.CertHash) != sha256.Size {
			rs.log.Warn("confirmation entry carries a malformed certificate hash",
				zap.String("tid", rq.tid), zap.String("certReqId", e.CertReqID))
			continue
		}
		var hash [sha256.Size]byte
		copy(hash[:], e.CertHash)

		entry := rs.pool.Remove(rq.tid, e.CertReqID, hash)
		if entry == nil {
			rs.log.Warn("confirmation entry matches no pending certificate",
				zap.String("tid", rq.tid), zap.String("certReqId", e.CertReqID))
			continue
		}
		if e.Accept {
			rs.auditPending(audit.EventCertConfirmed, audit.ResultSuccess, entry)
			continue
		}
		rs.revokePending(ctx, rq.authority(), entry, audit.EventCertRejected)
		revoked = true
	}

	// Whatever the client never acknowledged is treated as rejected.
	for _, entry := range rs.pool.RemoveAll(rq.tid) {
		rs.revokePending(ctx, rq.authority(), entry, audit.EventCertRejected)
		revoked = true
	}

	if revoked {
		return nil, apierrors.New(apierrors.CodeSystemFailure,
			"one or more certificates were rejected and revoked")
	}
	return nil, nil
}

// handleRevokePending serves revoke_pending_cert: it drops and revokes
// every pending certificate of a transaction.
func (rs *Responder) handleRevokePending(ctx context.Context, rq *request) (any, error) {
	var req dto.TransactionRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	rq.tid = req.TransactionID
	if rq.tid == "" {
		return nil, apierrors.New(apierrors.CodeBadRequest, "transaction id is required")
	}
	for _, entry := range rs.pool.RemoveAll(rq.tid) {
		rs.revokePending(ctx, rq.authority(), entry, audit.EventCertRejected)
	}
	return nil, nil
}

// revokePending revokes one certificate taken out of the pending pool.
func (rs *Responder) revokePending(ctx context.Context, auth ca.Authority, entry *pending.Entry, eventType audit.EventType) {
	err := auth.RevokeCert(ctx, entry.Cert.SerialNumber, ca.ReasonCessationOfOperation, nil)
	if err != nil {
		rs.log.Error("revoking unconfirmed certificate failed",
			zap.String("tid", entry.TransactionID),
			zap.String("serial", dto.FormatSerial(entry.Cert.SerialNumber)),
			zap.Error(err))
		rs.auditPending(eventType, audit.ResultFailure, entry)
		return
	}
	rs.log.Info("revoked unconfirmed certificate",
		zap.String("tid", entry.TransactionID),
		zap.String("serial", dto.FormatSerial(entry.Cert.SerialNumber)))
	rs.auditPending(eventType, audit.ResultSuccess, entry)
}

// auditPending records the fate of one pending certificate.
func (rs *Responder) auditPending(eventType audit.EventType, result audit.Result, entry *pending.Entry) {
	event := audit.NewEvent(eventType, result)
	event.CA = entry.CA
	event.TransactionID = entry.TransactionID
	event.Serial = dto.FormatSerial(entry.Cert.SerialNumber)
	event.Subject = entry.Cert.Subject.String()
	if err := rs.audit.Write(event); err != nil {
		rs.log.Error("audit write failed", zap.Error(err))
	}
}
