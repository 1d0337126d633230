package dto

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/certforge/certforge/internal/api/apierrors"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"

	// MaxBodyBytes bounds request bodies; certificate batches are small.
	MaxBodyBytes = 4 << 20
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Codec is the negotiated serialization of one request/response pair.
type Codec struct {
	cbor bool
}

// NegotiateCodec picks the codec from the request Content-Type. JSON is
// the default; an explicit unsupported type is an error.
func NegotiateCodec(r *http.Request) (Codec, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return Codec{}, nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return Codec{}, apierrors.Newf(apierrors.CodeBadFormat, "invalid content type %q", ct)
	}
	switch strings.ToLower(mediaType) {
	case ContentTypeJSON:
		return Codec{}, nil
	case ContentTypeCBOR:
		return Codec{cbor: true}, nil
	default:
		return Codec{}, apierrors.Newf(apierrors.CodeBadFormat, "unsupported content type %q", mediaType)
	}
}

// ContentType returns the media type the codec produces.
func (c Codec) ContentType() string {
	if c.cbor {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// ReadBody consumes and returns the request body, bounded by
// MaxBodyBytes.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeBadRequest, "reading request body failed")
	}
	if len(body) > MaxBodyBytes {
		return nil, apierrors.New(apierrors.CodeBadRequest, "request body too large")
	}
	return body, nil
}

// Decode parses a message body.
func (c Codec) Decode(data []byte, v any) error {
	var err error
	if c.cbor {
		err = cborDec.Unmarshal(data, v)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return apierrors.New(apierrors.CodeBadFormat, "malformed request body")
	}
	return nil
}

// Encode serializes a message body.
func (c Codec) Encode(v any) ([]byte, error) {
	if c.cbor {
		return cborEnc.Marshal(v)
	}
	return json.Marshal(v)
}

// WriteResponse writes an encoded success response.
func (c Codec) WriteResponse(w http.ResponseWriter, status int, v any) {
	data, err := c.Encode(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.WriteHeader(status)
	w.Write(data)
}

// WriteError writes an OperationError with its mapped HTTP status.
func (c Codec) WriteError(w http.ResponseWriter, oe *apierrors.OperationError) {
	body := ErrorResponse{
		Code:          string(oe.Code),
		Message:       oe.Message,
		TransactionID: oe.TransactionID,
	}
	data, err := c.Encode(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.WriteHeader(apierrors.HTTPStatus(oe.Code))
	w.Write(data)
}
