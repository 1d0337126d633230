package responder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/audit"
	"github.com/certforge/certforge/internal/ca"
)

// sweepLoop periodically rolls back pending certificates whose
// confirmation window expired. It runs until Close.
func (rs *Responder) sweepLoop() {
	defer close(rs.done)
	ticker := time.NewTicker(rs.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rs.stop:
			return
		case now := <-ticker.C:
			rs.sweep(now)
		}
	}
}

// sweep revokes every pending certificate that expired by now.
func (rs *Responder) sweep(now time.Time) {
	expired := rs.pool.SweepExpired(now)
	if len(expired) == 0 {
		return
	}
	rs.log.Info("sweeping unconfirmed certificates", zap.Int("count", len(expired)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, entry := range expired {
		e := rs.registry.Get(entry.CA)
		if e == nil {
			rs.log.Error("pending certificate references an unregistered CA",
				zap.String("ca", entry.CA),
				zap.String("serial", dto.FormatSerial(entry.Cert.SerialNumber)))
			continue
		}
		err := e.Authority.RevokeCert(ctx, entry.Cert.SerialNumber, ca.ReasonCessationOfOperation, nil)
		result := audit.ResultSuccess
		if err != nil {
			result = audit.ResultFailure
			rs.log.Error("revoking expired pending certificate failed",
				zap.String("tid", entry.TransactionID),
				zap.String("serial", dto.FormatSerial(entry.Cert.SerialNumber)),
				zap.Error(err))
		} else {
			rs.log.Info("revoked expired pending certificate",
				zap.String("tid", entry.TransactionID),
				zap.String("serial", dto.FormatSerial(entry.Cert.SerialNumber)))
		}
		rs.auditSweep(entry.CA, entry.TransactionID, dto.FormatSerial(entry.Cert.SerialNumber), result)
	}
}

func (rs *Responder) auditSweep(caName, tid, serial string, result audit.Result) {
	event := audit.NewEvent(audit.EventPendingExpired, result)
	event.CA = caName
	event.TransactionID = tid
	event.Serial = serial
	if err := rs.audit.Write(event); err != nil {
		rs.log.Error("audit write failed", zap.Error(err))
	}
}
