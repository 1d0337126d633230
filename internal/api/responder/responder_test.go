package responder

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/certforge/certforge/internal/api/apierrors"
	"github.com/certforge/certforge/internal/api/dto"
	"github.com/certforge/certforge/internal/ca"
	"github.com/certforge/certforge/internal/x500"
)

// mockAuthority is an in-memory Authority for responder tests. It issues
// real certificates signed by a throwaway CA key so hashes and serials
// behave like production, but keeps all state in maps.
type mockAuthority struct {
	name    string
	caCert  *x509.Certificate
	caKey   *ecdsa.PrivateKey
	healthy bool

	// failOn makes issuance fail when it reaches this CertReqID.
	failOn string

	mu       sync.Mutex
	serial   int64
	records  map[string]*ca.CertRecord
	tids     map[string]string
	crls     [][]byte
	archived map[string][]byte
}

func newMockAuthority(t *testing.T, name string) *mockAuthority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkixName("Test Issuing CA"),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          []byte{0x10, 0x20, 0x30, 0x40},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &mockAuthority{
		name:     name,
		caCert:   cert,
		caKey:    key,
		healthy:  true,
		records:  make(map[string]*ca.CertRecord),
		tids:     make(map[string]string),
		archived: make(map[string][]byte),
	}
}

func (m *mockAuthority) Name() string                 { return m.name }
func (m *mockAuthority) Healthy(context.Context) bool { return m.healthy }
func (m *mockAuthority) CACert() *x509.Certificate    { return m.caCert }
func (m *mockAuthority) CAChain() []*x509.Certificate { return []*x509.Certificate{m.caCert} }

func (m *mockAuthority) GenerateCerts(_ context.Context, templates []ca.CertTemplate, tid string, _ bool) ([]*ca.CertInfo, error) {
	var issued []*ca.CertInfo
	for i := range templates {
		tpl := &templates[i]
		if tpl.CertReqID == m.failOn {
			return issued, apierrors.Newf(apierrors.CodeBadCertTemplate,
				"entry %s rejected", tpl.CertReqID)
		}

		var pub any
		var keyDER []byte
		if tpl.CAGenerateKeypair {
			k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return issued, err
			}
			pub = &k.PublicKey
			if keyDER, err = x509.MarshalPKCS8PrivateKey(k); err != nil {
				return issued, err
			}
		} else {
			p, err := x509.ParsePKIXPublicKey(tpl.SubjectPublicKey)
			if err != nil {
				return issued, apierrors.Newf(apierrors.CodeBadCertTemplate,
					"entry %s: bad public key", tpl.CertReqID)
			}
			pub = p
		}

		m.mu.Lock()
		m.serial++
		sn := big.NewInt(m.serial)
		m.mu.Unlock()

		certTmpl := &x509.Certificate{
			SerialNumber: sn,
			Subject:      tpl.Subject.ToPKIX(),
			NotBefore:    time.Now().Add(-time.Minute),
			NotAfter:     time.Now().Add(24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, certTmpl, m.caCert, pub, m.caKey)
		if err != nil {
			return issued, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return issued, err
		}

		m.mu.Lock()
		m.records[sn.Text(16)] = &ca.CertRecord{
			Cert: cert, Profile: tpl.Profile, Status: ca.CertStatusGood,
		}
		m.tids[sn.Text(16)] = tid
		m.mu.Unlock()

		issued = append(issued, &ca.CertInfo{CertReqID: tpl.CertReqID, Cert: cert, PrivateKey: keyDER})
	}
	return issued, nil
}

func (m *mockAuthority) RevokeCert(_ context.Context, serial *big.Int, reason ca.RevocationReason, invalidity *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[serial.Text(16)]
	if !ok {
		return apierrors.Newf(apierrors.CodeUnknownCert, "serial 0x%s is unknown", serial.Text(16))
	}
	if rec.Status == ca.CertStatusRevoked && rec.Revocation.Reason != ca.ReasonCertificateHold {
		return apierrors.Newf(apierrors.CodeCertRevoked, "serial 0x%s is already revoked", serial.Text(16))
	}
	rec.Status = ca.CertStatusRevoked
	rec.Revocation = &ca.RevocationInfo{
		Reason: reason, RevokedAt: time.Now(), InvalidityDate: invalidity,
	}
	return nil
}

func (m *mockAuthority) UnsuspendCert(_ context.Context, serial *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[serial.Text(16)]
	if !ok {
		return apierrors.Newf(apierrors.CodeUnknownCert, "serial 0x%s is unknown", serial.Text(16))
	}
	if rec.Status != ca.CertStatusRevoked || rec.Revocation.Reason != ca.ReasonCertificateHold {
		return apierrors.Newf(apierrors.CodeBadRequest, "serial 0x%s is not on hold", serial.Text(16))
	}
	rec.Status = ca.CertStatusGood
	rec.Revocation = nil
	return nil
}

func (m *mockAuthority) RemoveCert(_ context.Context, serial *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[serial.Text(16)]; !ok {
		return apierrors.Newf(apierrors.CodeUnknownCert, "serial 0x%s is unknown", serial.Text(16))
	}
	delete(m.records, serial.Text(16))
	return nil
}

func (m *mockAuthority) GetCert(_ context.Context, serial *big.Int) (*ca.CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[serial.Text(16)]
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeUnknownCert, "serial 0x%s is unknown", serial.Text(16))
	}
	return rec, nil
}

func (m *mockAuthority) GetCertBySubject(_ context.Context, subject x500.Name, tid string) (*x509.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subject.CanonicalKey()
	var best *ca.CertRecord
	for serial, rec := range m.records {
		if x500.FromPKIX(rec.Cert.Subject).CanonicalKey() != key {
			continue
		}
		if tid != "" && m.tids[serial] != tid {
			continue
		}
		if best == nil || rec.Cert.SerialNumber.Cmp(best.Cert.SerialNumber) > 0 {
			best = rec
		}
	}
	if best == nil {
		return nil, apierrors.Newf(apierrors.CodeUnknownCert, "no certificate for subject %q", subject.String())
	}
	return best.Cert, nil
}

func (m *mockAuthority) GenerateCRL(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := []byte(fmt.Sprintf("crl-%d", len(m.crls)+1))
	m.crls = append(m.crls, raw)
	return raw, nil
}

func (m *mockAuthority) GetCRL(_ context.Context, number *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if number != nil {
		i := number.Int64()
		if i < 1 || i > int64(len(m.crls)) {
			return nil, apierrors.New(apierrors.CodeSystemFailure, "no CRL available")
		}
		return m.crls[i-1], nil
	}
	if len(m.crls) == 0 {
		return nil, apierrors.New(apierrors.CodeSystemFailure, "no CRL available")
	}
	return m.crls[len(m.crls)-1], nil
}

func (m *mockAuthority) ArchiveRequest(_ context.Context, tid string, payload []byte, _ []*big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived[tid] = payload
	return nil
}

func (m *mockAuthority) record(serial *big.Int) *ca.CertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[serial.Text(16)]
}

// testEnv wires a responder over one mock CA with two requestors: admin
// with every permission and reader with getcrl only.
type testEnv struct {
	rs        *Responder
	auth      *mockAuthority
	adminPEM  string
	readerPEM string

	subjectKey *ecdsa.PrivateKey
	spki       []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auth := newMockAuthority(t, "issuing-ca")

	adminCert, adminPEM := selfSignedClient(t, "sdk-admin")
	readerCert, readerPEM := selfSignedClient(t, "sdk-reader")

	registry := ca.NewRegistry()
	err := registry.Register(&ca.Entry{
		Authority: auth,
		Status:    ca.StatusActive,
		Aliases:   []string{"tls"},
		Requestors: []*ca.Requestor{
			ca.NewRequestor("admin", adminCert, ca.PermAll, []string{"tls-server"}),
			ca.NewRequestor("reader", readerCert, ca.PermGetCRL, []string{"all"}),
		},
		SaveRequest: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	rs := New(Config{Registry: registry, SweepPeriod: time.Hour})
	t.Cleanup(rs.Close)

	subjectKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&subjectKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		rs:         rs,
		auth:       auth,
		adminPEM:   adminPEM,
		readerPEM:  readerPEM,
		subjectKey: subjectKey,
		spki:       spki,
	}
}

func selfSignedClient(t *testing.T, cn string) (*x509.Certificate, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkixName(cn),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return cert, pemStr
}

func (e *testEnv) do(t *testing.T, path, clientPEM string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if clientPEM != "" {
		req.Header.Set("X-SSL-Client-Cert", clientPEM)
	}
	w := httptest.NewRecorder()
	e.rs.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func wantErrorCode(t *testing.T, w *httptest.ResponseRecorder, code apierrors.Code) dto.ErrorResponse {
	t.Helper()
	if w.Code == http.StatusOK {
		t.Fatalf("got HTTP 200, want error %s (body %q)", code, w.Body.String())
	}
	var er dto.ErrorResponse
	decodeBody(t, w, &er)
	if er.Code != string(code) {
		t.Fatalf("error code = %s, want %s (body %q)", er.Code, code, w.Body.String())
	}
	return er
}

func subjectDN(cn string) *dto.DistinguishedName {
	return &dto.DistinguishedName{RDNs: []dto.RDN{{Type: "cn", Value: cn}}}
}

func pkixName(cn string) pkix.Name {
	return pkix.Name{CommonName: cn}
}

func issuerIdent(auth *mockAuthority) *dto.IssuerIdent {
	sum := sha256.Sum256(auth.caCert.Raw)
	return &dto.IssuerIdent{CertSHA256: sum[:]}
}

func (e *testEnv) enroll(t *testing.T, req *dto.EnrollRequest) *dto.EnrollResponse {
	t.Helper()
	w := e.do(t, "/issuing-ca/enroll", e.adminPEM, req)
	if w.Code != http.StatusOK {
		t.Fatalf("enroll: HTTP %d, body %q", w.Code, w.Body.String())
	}
	var resp dto.EnrollResponse
	decodeBody(t, w, &resp)
	return &resp
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)

	t.Run("malformed path", func(t *testing.T) {
		w := env.do(t, "/health", env.adminPEM, nil)
		wantErrorCode(t, w, apierrors.CodePathNotFound)
	})
	t.Run("unknown command", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/frobnicate", env.adminPEM, nil)
		wantErrorCode(t, w, apierrors.CodePathNotFound)
	})
	t.Run("unknown ca", func(t *testing.T) {
		w := env.do(t, "/other-ca/health", env.adminPEM, nil)
		wantErrorCode(t, w, apierrors.CodePathNotFound)
	})
	t.Run("alias resolves", func(t *testing.T) {
		w := env.do(t, "/tls/health", env.adminPEM, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
	})
	t.Run("no client certificate", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/health", "", nil)
		wantErrorCode(t, w, apierrors.CodeUnauthorized)
	})
	t.Run("unknown requestor", func(t *testing.T) {
		_, strangerPEM := selfSignedClient(t, "stranger")
		w := env.do(t, "/issuing-ca/health", strangerPEM, nil)
		wantErrorCode(t, w, apierrors.CodeNotPermitted)
	})
	t.Run("missing permission", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/revoke_cert", env.readerPEM, &dto.RevokeRequest{})
		wantErrorCode(t, w, apierrors.CodeNotPermitted)
	})
	t.Run("permitted read command", func(t *testing.T) {
		env.do(t, "/issuing-ca/gen_crl", env.adminPEM, nil)
		w := env.do(t, "/issuing-ca/crl", env.readerPEM, &dto.GetCRLRequest{})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "/issuing-ca/health", env.adminPEM, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
	}

	env.auth.healthy = false
	w = env.do(t, "/issuing-ca/health", env.adminPEM, nil)
	wantErrorCode(t, w, apierrors.CodeSystemUnavailable)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("HTTP status = %d, want 503", w.Code)
	}
}

func TestCACertChain(t *testing.T) {
	env := newTestEnv(t)

	var resp dto.CertChainResponse
	w := env.do(t, "/issuing-ca/cacert", env.adminPEM, nil)
	decodeBody(t, w, &resp)
	if len(resp.Certificates) != 1 || !bytes.Equal(resp.Certificates[0], env.auth.caCert.Raw) {
		t.Fatal("cacert did not return the CA certificate")
	}

	w = env.do(t, "/issuing-ca/cacertchain", env.adminPEM, nil)
	decodeBody(t, w, &resp)
	if len(resp.Certificates) != 1 {
		t.Fatalf("chain length = %d, want 1", len(resp.Certificates))
	}
}

func TestEnroll(t *testing.T) {
	env := newTestEnv(t)

	resp := env.enroll(t, &dto.EnrollRequest{
		TransactionID: "tx-1",
		Entries: []dto.EnrollEntry{{
			CertReqID:        "r1",
			Profile:          "tls-server",
			Subject:          subjectDN("server.example.com"),
			SubjectPublicKey: env.spki,
		}},
	})
	if resp.TransactionID != "tx-1" {
		t.Fatalf("tid = %q, want tx-1", resp.TransactionID)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Error != nil {
		t.Fatalf("unexpected entries: %+v", resp.Entries)
	}
	cert, err := x509.ParseCertificate(resp.Entries[0].Cert)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "server.example.com" {
		t.Fatalf("subject CN = %q", cert.Subject.CommonName)
	}
	if resp.ConfirmExpiry != nil {
		t.Fatal("confirmExpiry set without explicit confirm")
	}
	if len(resp.CACert) == 0 {
		t.Fatal("response is missing the CA certificate")
	}

	// The raw request payload must have been archived under the tid.
	if env.auth.archived["tx-1"] == nil {
		t.Fatal("request was not archived")
	}

	t.Run("generated tid", func(t *testing.T) {
		resp := env.enroll(t, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1", Profile: "tls-server",
				Subject: subjectDN("other.example.com"), SubjectPublicKey: env.spki,
			}},
		})
		if resp.TransactionID == "" {
			t.Fatal("no transaction id generated")
		}
	})

	t.Run("ca generates keypair", func(t *testing.T) {
		resp := env.enroll(t, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1", Profile: "tls-server",
				Subject: subjectDN("keyless.example.com"),
			}},
		})
		if len(resp.Entries[0].PrivateKey) == 0 {
			t.Fatal("entry without a public key must yield a CA-generated key")
		}
		if _, err := x509.ParsePKCS8PrivateKey(resp.Entries[0].PrivateKey); err != nil {
			t.Fatalf("returned key is not PKCS#8: %v", err)
		}
	})

	t.Run("profile not allowed", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/enroll", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{
				{CertReqID: "a", Profile: "tls-server", Subject: subjectDN("a"), SubjectPublicKey: env.spki},
				{CertReqID: "b", Profile: "smime", Subject: subjectDN("b"), SubjectPublicKey: env.spki},
			},
		})
		wantErrorCode(t, w, apierrors.CodeNotPermitted)
		// The first entry must not have been issued either.
		if got := len(env.auth.records); got != 3 {
			t.Fatalf("record count = %d, want 3", got)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/enroll", env.adminPEM, &dto.EnrollRequest{})
		wantErrorCode(t, w, apierrors.CodeBadRequest)
	})
}

func TestEnrollBatchModes(t *testing.T) {
	entries := func() []dto.EnrollEntry {
		return []dto.EnrollEntry{
			{CertReqID: "a", Profile: "tls-server", Subject: subjectDN("a.example.com")},
			{CertReqID: "b", Profile: "tls-server", Subject: subjectDN("b.example.com")},
			{CertReqID: "fail", Profile: "tls-server", Subject: subjectDN("c.example.com")},
		}
	}

	t.Run("group failure revokes the whole batch", func(t *testing.T) {
		env := newTestEnv(t)
		env.auth.failOn = "fail"

		w := env.do(t, "/issuing-ca/enroll", env.adminPEM, &dto.EnrollRequest{
			TransactionID: "tx-group",
			GroupEnroll:   true,
			Entries:       entries(),
		})
		er := wantErrorCode(t, w, apierrors.CodeSystemFailure)
		if er.TransactionID != "tx-group" {
			t.Fatalf("error tid = %q, want tx-group", er.TransactionID)
		}

		// Both issued certificates were rolled back.
		for _, sn := range []int64{1, 2} {
			rec := env.auth.record(big.NewInt(sn))
			if rec == nil || rec.Status != ca.CertStatusRevoked {
				t.Fatalf("serial %d was not revoked", sn)
			}
			if rec.Revocation.Reason != ca.ReasonCessationOfOperation {
				t.Fatalf("serial %d revoked with reason %v", sn, rec.Revocation.Reason)
			}
		}
	})

	t.Run("per-entry failure stays in its slot", func(t *testing.T) {
		env := newTestEnv(t)
		env.auth.failOn = "fail"

		resp := env.enroll(t, &dto.EnrollRequest{
			TransactionID: "tx-each",
			Entries:       entries(),
		})
		if resp.Entries[0].Error != nil || resp.Entries[1].Error != nil {
			t.Fatalf("healthy entries failed: %+v", resp.Entries)
		}
		if resp.Entries[2].Error == nil {
			t.Fatal("failing entry has no error slot")
		}
		if resp.Entries[2].Error.Code != string(apierrors.CodeBadCertTemplate) {
			t.Fatalf("entry error code = %s", resp.Entries[2].Error.Code)
		}

		// Successful entries remain valid.
		for _, sn := range []int64{1, 2} {
			rec := env.auth.record(big.NewInt(sn))
			if rec == nil || rec.Status != ca.CertStatusGood {
				t.Fatalf("serial %d is not good", sn)
			}
		}
	})
}

func TestExplicitConfirm(t *testing.T) {
	pendingEnroll := func(t *testing.T, env *testEnv, tid string) *x509.Certificate {
		t.Helper()
		resp := env.enroll(t, &dto.EnrollRequest{
			TransactionID:   tid,
			ExplicitConfirm: true,
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1", Profile: "tls-server",
				Subject: subjectDN("pending.example.com"), SubjectPublicKey: env.spki,
			}},
		})
		if resp.ConfirmExpiry == nil {
			t.Fatal("explicit confirm response carries no expiry")
		}
		if !resp.ConfirmExpiry.After(time.Now()) {
			t.Fatal("confirmation window already closed")
		}
		cert, err := x509.ParseCertificate(resp.Entries[0].Cert)
		if err != nil {
			t.Fatal(err)
		}
		return cert
	}

	t.Run("accept keeps the certificate", func(t *testing.T) {
		env := newTestEnv(t)
		cert := pendingEnroll(t, env, "tx-ok")
		hash := sha256.Sum256(cert.Raw)

		w := env.do(t, "/issuing-ca/confirm_enroll", env.adminPEM, &dto.ConfirmRequest{
			TransactionID: "tx-ok",
			Entries:       []dto.ConfirmEntry{{CertReqID: "r1", CertHash: hash[:], Accept: true}},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
		if rec := env.auth.record(cert.SerialNumber); rec.Status != ca.CertStatusGood {
			t.Fatal("accepted certificate was revoked")
		}
		if env.rs.pool.Size() != 0 {
			t.Fatal("pool not empty after confirmation")
		}
	})

	t.Run("reject revokes and fails the call", func(t *testing.T) {
		env := newTestEnv(t)
		cert := pendingEnroll(t, env, "tx-no")
		hash := sha256.Sum256(cert.Raw)

		w := env.do(t, "/issuing-ca/confirm_enroll", env.adminPEM, &dto.ConfirmRequest{
			TransactionID: "tx-no",
			Entries:       []dto.ConfirmEntry{{CertReqID: "r1", CertHash: hash[:], Accept: false}},
		})
		wantErrorCode(t, w, apierrors.CodeSystemFailure)
		if rec := env.auth.record(cert.SerialNumber); rec.Status != ca.CertStatusRevoked {
			t.Fatal("rejected certificate was not revoked")
		}
	})

	t.Run("hash mismatch skips the entry and revokes the leftover", func(t *testing.T) {
		env := newTestEnv(t)
		cert := pendingEnroll(t, env, "tx-hash")
		wrong := sha256.Sum256([]byte("not the certificate"))

		w := env.do(t, "/issuing-ca/confirm_enroll", env.adminPEM, &dto.ConfirmRequest{
			TransactionID: "tx-hash",
			Entries:       []dto.ConfirmEntry{{CertReqID: "r1", CertHash: wrong[:], Accept: true}},
		})
		wantErrorCode(t, w, apierrors.CodeSystemFailure)
		if rec := env.auth.record(cert.SerialNumber); rec.Status != ca.CertStatusRevoked {
			t.Fatal("unacknowledged certificate was not revoked")
		}
	})

	t.Run("revoke_pending_cert drops the transaction", func(t *testing.T) {
		env := newTestEnv(t)
		cert := pendingEnroll(t, env, "tx-drop")

		w := env.do(t, "/issuing-ca/revoke_pending_cert", env.adminPEM, &dto.TransactionRequest{
			TransactionID: "tx-drop",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
		if rec := env.auth.record(cert.SerialNumber); rec.Status != ca.CertStatusRevoked {
			t.Fatal("pending certificate was not revoked")
		}
	})
}

func TestSweeper(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enroll(t, &dto.EnrollRequest{
		TransactionID:     "tx-sweep",
		ExplicitConfirm:   true,
		ConfirmWaitMillis: 50,
		Entries: []dto.EnrollEntry{{
			CertReqID: "r1", Profile: "tls-server",
			Subject: subjectDN("sweep.example.com"), SubjectPublicKey: env.spki,
		}},
	})
	cert, err := x509.ParseCertificate(resp.Entries[0].Cert)
	if err != nil {
		t.Fatal(err)
	}

	// Past the window the sweep collects and revokes the certificate.
	env.rs.sweep(time.Now().Add(time.Second))
	rec := env.auth.record(cert.SerialNumber)
	if rec.Status != ca.CertStatusRevoked {
		t.Fatal("swept certificate was not revoked")
	}
	if rec.Revocation.Reason != ca.ReasonCessationOfOperation {
		t.Fatalf("swept with reason %v", rec.Revocation.Reason)
	}

	// A confirmation arriving after the sweep matches nothing and the
	// call succeeds without touching the certificate again.
	hash := sha256.Sum256(cert.Raw)
	w := env.do(t, "/issuing-ca/confirm_enroll", env.adminPEM, &dto.ConfirmRequest{
		TransactionID: "tx-sweep",
		Entries:       []dto.ConfirmEntry{{CertReqID: "r1", CertHash: hash[:], Accept: true}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("late confirmation: HTTP %d, body %q", w.Code, w.Body.String())
	}
}

func TestKeyUpdate(t *testing.T) {
	env := newTestEnv(t)
	first := env.enroll(t, &dto.EnrollRequest{
		TransactionID: "tx-initial",
		Entries: []dto.EnrollEntry{{
			CertReqID: "r1", Profile: "tls-server",
			Subject: subjectDN("kup.example.com"), SubjectPublicKey: env.spki,
		}},
	})
	oldCert, err := x509.ParseCertificate(first.Entries[0].Cert)
	if err != nil {
		t.Fatal(err)
	}
	oldSerial := dto.FormatSerial(oldCert.SerialNumber)

	t.Run("inherits subject profile and key", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/enroll_kup", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1",
				OldCert:   &dto.OldCertRef{Serial: oldSerial, ReusePublicKey: true},
			}},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
		var resp dto.EnrollResponse
		decodeBody(t, w, &resp)
		cert, err := x509.ParseCertificate(resp.Entries[0].Cert)
		if err != nil {
			t.Fatal(err)
		}
		if cert.Subject.CommonName != "kup.example.com" {
			t.Fatalf("subject CN = %q", cert.Subject.CommonName)
		}
		if !bytes.Equal(cert.RawSubjectPublicKeyInfo, oldCert.RawSubjectPublicKeyInfo) {
			t.Fatal("public key was not reused")
		}
		if rec := env.auth.record(cert.SerialNumber); rec.Profile != "tls-server" {
			t.Fatalf("inherited profile = %q", rec.Profile)
		}
	})

	t.Run("fresh key when not reusing", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/enroll_kup", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1",
				OldCert:   &dto.OldCertRef{Serial: oldSerial},
			}},
		})
		var resp dto.EnrollResponse
		decodeBody(t, w, &resp)
		if len(resp.Entries[0].PrivateKey) == 0 {
			t.Fatal("key update without key material must yield a CA-generated key")
		}
	})

	t.Run("subject serialNumber moves on", func(t *testing.T) {
		initial := env.enroll(t, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1", Profile: "tls-server",
				Subject: &dto.DistinguishedName{RDNs: []dto.RDN{
					{Type: "cn", Value: "device.example.com"},
					{Type: "serialnumber", Value: "7"},
				}},
				SubjectPublicKey: env.spki,
			}},
		})
		cert0, err := x509.ParseCertificate(initial.Entries[0].Cert)
		if err != nil {
			t.Fatal(err)
		}
		w := env.do(t, "/issuing-ca/enroll_kup", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1",
				OldCert:   &dto.OldCertRef{Serial: dto.FormatSerial(cert0.SerialNumber), ReusePublicKey: true},
			}},
		})
		var resp dto.EnrollResponse
		decodeBody(t, w, &resp)
		cert, err := x509.ParseCertificate(resp.Entries[0].Cert)
		if err != nil {
			t.Fatal(err)
		}
		if cert.Subject.SerialNumber != "8" {
			t.Fatalf("subject serialNumber = %q, want %q", cert.Subject.SerialNumber, "8")
		}
	})

	t.Run("missing old cert reference", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/enroll_kup", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{CertReqID: "r1", Profile: "tls-server"}},
		})
		wantErrorCode(t, w, apierrors.CodeBadRequest)
	})

	t.Run("unknown old cert", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/enroll_kup", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1",
				OldCert:   &dto.OldCertRef{Serial: "deadbeef"},
			}},
		})
		wantErrorCode(t, w, apierrors.CodeUnknownCert)
	})

	t.Run("revoked old cert", func(t *testing.T) {
		if err := env.auth.RevokeCert(context.Background(), oldCert.SerialNumber, ca.ReasonKeyCompromise, nil); err != nil {
			t.Fatal(err)
		}
		w := env.do(t, "/issuing-ca/enroll_kup", env.adminPEM, &dto.EnrollRequest{
			Entries: []dto.EnrollEntry{{
				CertReqID: "r1",
				OldCert:   &dto.OldCertRef{Serial: oldSerial, ReusePublicKey: true},
			}},
		})
		wantErrorCode(t, w, apierrors.CodeCertRevoked)
	})
}

func TestPoll(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, &dto.EnrollRequest{
		TransactionID: "tx-poll",
		Entries: []dto.EnrollEntry{{
			CertReqID: "r1", Profile: "tls-server",
			Subject: subjectDN("poll.example.com"), SubjectPublicKey: env.spki,
		}},
	})

	t.Run("found by subject and tid", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/poll_cert", env.adminPEM, &dto.PollRequest{
			TransactionID: "tx-poll",
			Issuer:        issuerIdent(env.auth),
			Entries:       []dto.PollEntry{{CertReqID: "r1", Subject: subjectDN("poll.example.com")}},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
		var resp dto.EnrollResponse
		decodeBody(t, w, &resp)
		if len(resp.Entries[0].Cert) == 0 {
			t.Fatalf("no certificate returned: %+v", resp.Entries)
		}
	})

	t.Run("unknown subject is a per-entry error", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/poll_cert", env.adminPEM, &dto.PollRequest{
			Entries: []dto.PollEntry{{CertReqID: "r1", Subject: subjectDN("nobody.example.com")}},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
		var resp dto.EnrollResponse
		decodeBody(t, w, &resp)
		if resp.Entries[0].Error == nil || resp.Entries[0].Error.Code != string(apierrors.CodeUnknownCert) {
			t.Fatalf("entry = %+v", resp.Entries[0])
		}
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		wrong := sha256.Sum256([]byte("some other ca"))
		w := env.do(t, "/issuing-ca/poll_cert", env.adminPEM, &dto.PollRequest{
			Issuer:  &dto.IssuerIdent{CertSHA256: wrong[:]},
			Entries: []dto.PollEntry{{CertReqID: "r1", Subject: subjectDN("poll.example.com")}},
		})
		wantErrorCode(t, w, apierrors.CodeBadCertTemplate)
	})
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enroll(t, &dto.EnrollRequest{
		Entries: []dto.EnrollEntry{{
			CertReqID: "r1", Profile: "tls-server",
			Subject: subjectDN("revoke.example.com"), SubjectPublicKey: env.spki,
		}},
	})
	cert, err := x509.ParseCertificate(resp.Entries[0].Cert)
	if err != nil {
		t.Fatal(err)
	}
	serial := dto.FormatSerial(cert.SerialNumber)

	t.Run("issuer required", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/revoke_cert", env.adminPEM, &dto.RevokeRequest{
			Entries: []dto.RevokeEntry{{Serial: serial, Reason: "keyCompromise"}},
		})
		wantErrorCode(t, w, apierrors.CodeBadRequest)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/revoke_cert", env.adminPEM, &dto.RevokeRequest{
			Issuer:  &dto.IssuerIdent{AuthorityKeyID: []byte("wrong")},
			Entries: []dto.RevokeEntry{{Serial: serial, Reason: "keyCompromise"}},
		})
		wantErrorCode(t, w, apierrors.CodeBadCertTemplate)
	})

	t.Run("batch with mixed outcomes", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/revoke_cert", env.adminPEM, &dto.RevokeRequest{
			Issuer: issuerIdent(env.auth),
			Entries: []dto.RevokeEntry{
				{Serial: serial, Reason: "certificateHold"},
				{Serial: "ffff", Reason: "keyCompromise"},
				{Serial: serial, Reason: "removeFromCRL"},
			},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("HTTP %d, body %q", w.Code, w.Body.String())
		}
		var resp dto.SerialStatusResponse
		decodeBody(t, w, &resp)
		if len(resp.Entries) != 3 {
			t.Fatalf("entry count = %d", len(resp.Entries))
		}
		if resp.Entries[0].Error != nil {
			t.Fatalf("hold failed: %+v", resp.Entries[0].Error)
		}
		if resp.Entries[1].Error == nil || resp.Entries[1].Error.Code != string(apierrors.CodeUnknownCert) {
			t.Fatalf("unknown serial entry = %+v", resp.Entries[1])
		}
		if resp.Entries[2].Error == nil || resp.Entries[2].Error.Code != string(apierrors.CodeBadRequest) {
			t.Fatalf("removeFromCRL entry = %+v", resp.Entries[2])
		}
		// removeFromCRL never reached the CA: the certificate is still on
		// hold, not re-revoked.
		rec := env.auth.record(cert.SerialNumber)
		if rec.Status != ca.CertStatusRevoked || rec.Revocation.Reason != ca.ReasonCertificateHold {
			t.Fatalf("record = %+v", rec)
		}
	})

	t.Run("unsuspend releases the hold", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/unsuspend_cert", env.adminPEM, &dto.SerialsRequest{
			Issuer:  issuerIdent(env.auth),
			Serials: []string{serial},
		})
		var resp dto.SerialStatusResponse
		decodeBody(t, w, &resp)
		if resp.Entries[0].Error != nil {
			t.Fatalf("unsuspend failed: %+v", resp.Entries[0].Error)
		}
		if rec := env.auth.record(cert.SerialNumber); rec.Status != ca.CertStatusGood {
			t.Fatal("certificate still revoked after unsuspend")
		}
	})

	t.Run("remove deletes the record", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/remove_cert", env.adminPEM, &dto.SerialsRequest{
			Issuer:  issuerIdent(env.auth),
			Serials: []string{serial},
		})
		var resp dto.SerialStatusResponse
		decodeBody(t, w, &resp)
		if resp.Entries[0].Error != nil {
			t.Fatalf("remove failed: %+v", resp.Entries[0].Error)
		}
		w = env.do(t, "/issuing-ca/get_cert", env.adminPEM, &dto.GetCertRequest{
			Issuer: issuerIdent(env.auth), Serial: serial,
		})
		wantErrorCode(t, w, apierrors.CodeUnknownCert)
	})
}

func TestCRLCommands(t *testing.T) {
	env := newTestEnv(t)

	t.Run("no CRL yet", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/crl", env.adminPEM, &dto.GetCRLRequest{})
		wantErrorCode(t, w, apierrors.CodeSystemFailure)
	})

	t.Run("generate and fetch", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/gen_crl", env.adminPEM, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("gen_crl: HTTP %d, body %q", w.Code, w.Body.String())
		}
		var gen dto.CRLResponse
		decodeBody(t, w, &gen)
		if len(gen.CRL) == 0 {
			t.Fatal("gen_crl returned no CRL")
		}

		w = env.do(t, "/issuing-ca/crl", env.adminPEM, &dto.GetCRLRequest{})
		var got dto.CRLResponse
		decodeBody(t, w, &got)
		if !bytes.Equal(got.CRL, gen.CRL) {
			t.Fatal("crl did not return the generated CRL")
		}

		w = env.do(t, "/issuing-ca/crl", env.adminPEM, &dto.GetCRLRequest{CRLNumber: "1"})
		decodeBody(t, w, &got)
		if !bytes.Equal(got.CRL, gen.CRL) {
			t.Fatal("crl by number did not return the generated CRL")
		}
	})

	t.Run("unsupported selector", func(t *testing.T) {
		now := time.Now()
		w := env.do(t, "/issuing-ca/crl", env.adminPEM, &dto.GetCRLRequest{ThisUpdate: &now})
		wantErrorCode(t, w, apierrors.CodeBadRequest)
	})

	t.Run("invalid number", func(t *testing.T) {
		w := env.do(t, "/issuing-ca/crl", env.adminPEM, &dto.GetCRLRequest{CRLNumber: "banana"})
		wantErrorCode(t, w, apierrors.CodeBadRequest)
	})
}
