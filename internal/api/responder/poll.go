package responder

import (
	"context"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
)

// handlePoll serves poll_cert: it looks up, per entry, the newest
// certificate issued to a subject, optionally constrained to the
// transaction the enrollment ran under.
func (rs *Responder) handlePoll(ctx context.Context, rq *request) (any, error) {
	var req dto.PollRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	rq.tid = req.TransactionID
	if len(req.Entries) == 0 {
		return nil, apierrors.New(apierrors.CodeBadRequest, "no poll entries")
	}
	if req.Issuer != nil {
		if err := checkIssuer(rq.authority().CACert(), req.Issuer); err != nil {
			return nil, err
		}
	}

	resp := &dto.EnrollResponse{
		TransactionID: rq.tid,
		Entries:       make([]dto.EnrollResponseEntry, len(req.Entries)),
	}
	for i, e := range req.Entries {
		resp.Entries[i].CertReqID = e.CertReqID
		if e.Subject == nil {
			resp.Entries[i].Error = &dto.ErrorInfo{
				Code: string(apierrors.CodeBadRequest), Message: "subject is required",
			}
			continue
		}
		subject, err := e.Subject.Name()
		if err != nil {
			oe := apierrors.From(err)
			resp.Entries[i].Error = &dto.ErrorInfo{Code: string(oe.Code), Message: oe.Message}
			continue
		}
		cert, err := rq.authority().GetCertBySubject(ctx, subject, rq.tid)
		if err != nil {
			oe := apierrors.From(err)
			resp.Entries[i].Error = &dto.ErrorInfo{Code: string(oe.Code), Message: oe.Message}
			continue
		}
		resp.Entries[i].Cert = cert.Raw
	}
	return resp, nil
}
