package responder

import (
	"context"
	"math/big"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
)

// handleGenCRL serves gen_crl: it forces the CA to produce a fresh CRL
// and returns it.
func (rs *Responder) handleGenCRL(ctx context.Context, rq *request) (any, error) {
	raw, err := rq.authority().GenerateCRL(ctx)
	if err != nil {
		return nil, err
	}
	return &dto.CRLResponse{CRL: raw}, nil
}

// handleGetCRL serves crl: it returns a stored CRL, the newest one unless
// a CRL number selects an older one.
func (rs *Responder) handleGetCRL(ctx context.Context, rq *request) (any, error) {
	var req dto.GetCRLRequest
	if len(rq.body) > 0 {
		if err := rq.codec.Decode(rq.body, &req); err != nil {
			return nil, err
		}
	}
	if req.ThisUpdate != nil || req.DistributionPoint != "" {
		return nil, apierrors.New(apierrors.CodeBadRequest,
			"selection by thisUpdate or distributionPoint is not supported")
	}

	var number *big.Int
	if req.CRLNumber != "" {
		n, ok := new(big.Int).SetString(req.CRLNumber, 10)
		if !ok || n.Sign() < 0 {
			return nil, apierrors.Newf(apierrors.CodeBadRequest,
				"invalid CRL number %q", req.CRLNumber)
		}
		number = n
	}
	raw, err := rq.authority().GetCRL(ctx, number)
	if err != nil {
		return nil, err
	}
	return &dto.CRLResponse{CRL: raw}, nil
}

// handleGetCert serves get_cert: certificate retrieval by serial number,
// regardless of revocation state.
func (rs *Responder) handleGetCert(ctx context.Context, rq *request) (any, error) {
	var req dto.GetCertRequest
	if err := rq.codec.Decode(rq.body, &req); err != nil {
		return nil, err
	}
	if err := checkIssuer(rq.authority().CACert(), req.Issuer); err != nil {
		return nil, err
	}
	serial, err := dto.ParseSerial(req.Serial)
	if err != nil {
		return nil, err
	}
	rec, err := rq.authority().GetCert(ctx, serial)
	if err != nil {
		return nil, err
	}
	return &dto.CertResponse{Cert: rec.Cert.Raw}, nil
}
