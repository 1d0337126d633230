package responder

import (
	"context"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/ca"
)

// handleRevoke serves revoke_cert. The batch is never atomic: every entry
// gets its own outcome slot, and one entry failing does not stop the
// rest.
func (rs *Responder) handleRevoke(ctx context.Context, rq *request) (any, error) {
	var req dto.RevokeRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	if err := checkIssuer(rq.authority().CACert(), req.Issuer); err != nil {
		return nil, err
	}
	if len(req.Entries) == 0 {
		return nil, apierrors.New(apierrors.CodeBadRequest, "no revocation entries")
	}

	resp := &dto.SerialStatusResponse{
		Entries: make([]dto.SerialStatusEntry, len(req.Entries)),
	}
	for i, e := range req.Entries {
		resp.Entries[i].Serial = e.Serial
		resp.Entries[i].Error = entryError(rs.revokeOne(ctx, rq, e))
	}
	return resp, nil
}

func (rs *Responder) revokeOne(ctx context.Context, rq *request, e dto.RevokeEntry) error {
	serial, err := dto.ParseSerial(e.Serial)
	if err != nil {
		return err
	}
	reason, err := ca.ParseRevocationReason(e.Reason)
	if err != nil {
		return err
	}
	// removeFromCRL is a CRL delta artifact, not a revocation state a
	// certificate can be put into.
	if reason == ca.ReasonRemoveFromCRL {
		return apierrors.New(apierrors.CodeBadRequest,
			"reason removeFromCRL is not a valid revocation request")
	}
	return rq.authority().RevokeCert(ctx, serial, reason, e.InvalidityDate)
}

// handleSerials serves unsuspend_cert and remove_cert, which share the
// serial-list request shape.
func (rs *Responder) handleSerials(ctx context.Context, rq *request, remove bool) (any, error) {
	var req dto.SerialsRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	if err := checkIssuer(rq.authority().CACert(), req.Issuer); err != nil {
		return nil, err
	}
	if len(req.Serials) == 0 {
		return nil, apierrors.New(apierrors.CodeBadRequest, "no serial numbers")
	}

	resp := &dto.SerialStatusResponse{
		Entries: make([]dto.SerialStatusEntry, len(req.Serials)),
	}
	for i, s := range req.Serials {
		resp.Entries[i].Serial = s
		serial, err := dto.ParseSerial(s)
		if err == nil {
			if remove {
				err = rq.authority().RemoveCert(ctx, serial)
			} else {
				err = rq.authority().UnsuspendCert(ctx, serial)
			}
		}
		resp.Entries[i].Error = entryError(err)
	}
	return resp, nil
}

// entryError converts an error to its per-entry wire form.
func entryError(err error) *dto.ErrorInfo {
	if err == nil {
		return nil
	}
	oe := apierrors.From(err)
	return &dto.ErrorInfo{Code: string(oe.Code), Message: oe.Message}
}
