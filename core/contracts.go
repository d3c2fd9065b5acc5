package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// Clock returns the current wall time. Components normalize the result to UTC.
type Clock func() time.Time

// Storage is the key/value port backing the token cache. Implementations must
// be safe for concurrent use. GetItem reports a missing key with found=false
// and a nil error.
type Storage interface {
	GetItem(ctx context.Context, key string) (value string, found bool, err error)
	SetItem(ctx context.Context, key string, value string) error
	RemoveItem(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Decrypter is implemented by encrypted-at-rest storage backends. The cache
// manager routes every raw value through DecryptData before parsing it.
type Decrypter interface {
	DecryptData(ctx context.Context, key string, raw string) (value string, ok bool, err error)
}

// SecretProvider seals cache values at rest. associatedData binds a
// ciphertext to the storage key it was written under.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte, associatedData []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, associatedData []byte) ([]byte, error)
}

// Change describes a write or removal against a storage key.
type Change struct {
	Key     string
	Value   string
	Removed bool
	Origin  string
}

type ChangeNotifier interface {
	Publish(ctx context.Context, change Change) error
}

type ChangeSubscriber interface {
	Subscribe(fn func(ctx context.Context, change Change)) (cancel func())
}

type NetworkRequestOptions struct {
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

type NetworkResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// NetworkClient is the HTTP port used for discovery, token redemption and
// region probing.
type NetworkClient interface {
	SendGetRequest(ctx context.Context, url string, opts NetworkRequestOptions) (NetworkResponse, error)
	SendPostRequest(ctx context.Context, url string, opts NetworkRequestOptions) (NetworkResponse, error)
}

type NavigateRequest struct {
	URL           string
	State         string
	RedirectURI   string
	CorrelationID string
	Timeout       time.Duration
}

// AuthorizationResponse is the payload returned by the interactive
// collaborator after it followed an authorization URL.
type AuthorizationResponse struct {
	Code                  string
	State                 string
	ClientInfo            string
	CloudInstanceHostName string
	Error                 string
	ErrorDescription      string
	SubError              string
	EncryptedResponse     string
}

// InteractiveFallback drives the hidden interactive renewal. It must honor
// ctx cancellation and reject with a user_cancelled or timeout error kind.
type InteractiveFallback interface {
	Navigate(ctx context.Context, req NavigateRequest) (AuthorizationResponse, error)
}

type PKCECodes struct {
	Verifier  string
	Challenge string
	Method    string
}

type PKCEGenerator interface {
	Generate(ctx context.Context) (PKCECodes, error)
}

type PoPRequest struct {
	ResourceRequestMethod string
	ResourceRequestURI    string
	ShrClaims             string
	ShrNonce              string
	CorrelationID         string
}

type PoPCnf struct {
	KeyID  string
	ReqCnf string
}

// PoPKeyManager is the external interface to proof-of-possession key material.
type PoPKeyManager interface {
	GenerateCnf(ctx context.Context, req PoPRequest) (PoPCnf, error)
	SignAccessToken(ctx context.Context, accessToken string, keyID string, req PoPRequest) (string, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// Measurement is an in-flight performance measurement.
type Measurement interface {
	Add(fields map[string]any)
	End(ctx context.Context, err error)
}

type PerformanceClient interface {
	StartMeasurement(ctx context.Context, name string, correlationID string) Measurement
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// ResolveClock returns clock or SystemClock when clock is nil.
func ResolveClock(clock Clock) Clock {
	if clock == nil {
		return SystemClock
	}
	return func() time.Time { return clock().UTC() }
}
