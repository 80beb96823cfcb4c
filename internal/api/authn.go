package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/issuance-engine/internal/eligibility"
)

// Signed request headers. The timestamp is unix milliseconds.
const (
	HeaderAddress   = "X-Issuance-Address"
	HeaderTimestamp = "X-Issuance-Timestamp"
	HeaderSignature = "X-Issuance-Signature"
)

const maxSignedBody = 1 << 20

// ErrUnauthenticated is returned when a mutating request carries no valid
// account signature.
var ErrUnauthenticated = errors.New("api: request not authenticated")

// ReplayGuard remembers accepted request digests.
type ReplayGuard interface {
	ConsumeKey(ctx context.Context, key common.Hash) (bool, error)
}

// RequestDigest is the hash an account signs (EIP-191) to act through the
// API:
//
//	keccak256("issuance-request" ‖ method ‖ 0 ‖ uri ‖ 0 ‖ timestamp ‖ keccak256(body))
//
// uri is the request path with its query; timestamp is 8 bytes big-endian.
func RequestDigest(method, uri string, timestampMs int64, body []byte) common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	return ethcrypto.Keccak256Hash(
		[]byte("issuance-request"),
		[]byte(method), []byte{0},
		[]byte(uri), []byte{0},
		ts[:],
		ethcrypto.Keccak256(body),
	)
}

// SignRequest signs r on behalf of s at now and sets the auth headers. The
// body is read and restored.
func SignRequest(r *http.Request, s *eligibility.Signer, now time.Time) error {
	var body []byte
	if r.Body != nil {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			return err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	ts := now.UnixMilli()
	sig, err := s.SignHex(RequestDigest(r.Method, r.URL.RequestURI(), ts, body))
	if err != nil {
		return err
	}
	r.Header.Set(HeaderAddress, s.Address().Hex())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, sig)
	return nil
}

// Authenticator resolves the acting account of a signed request. Each
// digest is accepted once, and only within skew of the server clock.
type Authenticator struct {
	replay ReplayGuard
	skew   time.Duration
	clock  func() time.Time
}

// NewAuthenticator creates an Authenticator. A nil clock uses time.Now.
func NewAuthenticator(replay ReplayGuard, skew time.Duration, clock func() time.Time) *Authenticator {
	if clock == nil {
		clock = time.Now
	}
	return &Authenticator{replay: replay, skew: skew, clock: clock}
}

type callerKey struct{}

// Middleware rejects unsigned requests with 401 and hands the recovered
// account to the handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.authenticate(w, r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(w http.ResponseWriter, r *http.Request) (common.Address, error) {
	claimed := r.Header.Get(HeaderAddress)
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: missing %s", ErrUnauthenticated, HeaderAddress)
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: missing %s", ErrUnauthenticated, HeaderTimestamp)
	}
	if age := a.clock().Sub(time.UnixMilli(ts)); age > a.skew || age < -a.skew {
		return common.Address{}, fmt.Errorf("%w: timestamp outside %s", ErrUnauthenticated, a.skew)
	}
	sig, err := eligibility.DecodeSignature(r.Header.Get(HeaderSignature))
	if err != nil || sig == nil {
		return common.Address{}, fmt.Errorf("%w: missing %s", ErrUnauthenticated, HeaderSignature)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: reading body: %v", errBadRequest, err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	digest := RequestDigest(r.Method, r.URL.RequestURI(), ts, body)
	signer, err := eligibility.Recover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if signer != common.HexToAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: signature is not from %s", ErrUnauthenticated, claimed)
	}
	fresh, err := a.replay.ConsumeKey(r.Context(), digest)
	if err != nil {
		return common.Address{}, err
	}
	if !fresh {
		return common.Address{}, fmt.Errorf("%w: request replayed", ErrUnauthenticated)
	}
	return signer, nil
}

// callerFrom returns the account that signed the request.
func callerFrom(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}
