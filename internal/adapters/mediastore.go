package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"opal-relay/internal/observability/metrics"
)

const unsignedPayloadHash = "UNSIGNED-PAYLOAD"

// MediaStoreConfig configures the S3-compatible media storage client.
type MediaStoreConfig struct {
	Endpoint       string
	Bucket         string
	Region         string
	AccessKey      string
	SecretKey      string
	PublicEndpoint string
	UseSSL         bool
	RequestTimeout time.Duration
}

// MediaStore transfers assembled media blobs to an S3-compatible store with a
// streamed, SigV4-signed PUT. Bodies are never buffered in memory, so the
// payload is declared unsigned.
type MediaStore struct {
	cfg        MediaStoreConfig
	endpoint   *url.URL
	httpClient *http.Client
}

// NewMediaStore initialises a media storage client from the provided
// configuration.
func NewMediaStore(cfg MediaStoreConfig) (*MediaStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("media store bucket and endpoint are required")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: endpoint}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("media store endpoint %q is invalid", cfg.Endpoint)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	sanitized := cfg
	sanitized.Bucket = bucket
	return &MediaStore{
		cfg:        sanitized,
		endpoint:   baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Upload streams body to the given key and returns the public URL of the
// stored object.
func (s *MediaStore) Upload(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	metrics.Default().ObserveAdapterAttempt("upload")
	finalKey := strings.TrimLeft(strings.TrimSpace(key), "/")
	if finalKey == "" {
		metrics.Default().ObserveAdapterFailure("upload")
		return "", fmt.Errorf("object key is required")
	}
	target := s.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), body)
	if err != nil {
		metrics.Default().ObserveAdapterFailure("upload")
		return "", fmt.Errorf("create upload request: %w", err)
	}
	request.ContentLength = size
	request.Header.Set("Content-Type", contentTypeForKey(finalKey))
	s.signRequest(request, unsignedPayloadHash)
	response, err := s.httpClient.Do(request)
	if err != nil {
		metrics.Default().ObserveAdapterFailure("upload")
		return "", fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		metrics.Default().ObserveAdapterFailure("upload")
		return "", fmt.Errorf("upload object %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return s.publicURL(finalKey), nil
}

// Delete removes a stored object.
func (s *MediaStore) Delete(ctx context.Context, key string) error {
	finalKey := strings.TrimLeft(strings.TrimSpace(key), "/")
	target := s.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	s.signRequest(request, emptyPayloadHash)
	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("delete object %s: unexpected status %d", finalKey, response.StatusCode)
}

func contentTypeForKey(key string) string {
	if byExt := mime.TypeByExtension(path.Ext(key)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func (s *MediaStore) objectURL(finalKey string) *url.URL {
	basePath := strings.TrimRight(s.endpoint.Path, "/")
	objectPath := "/" + strings.TrimLeft(s.cfg.Bucket, "/")
	trimmedKey := strings.TrimLeft(finalKey, "/")
	if trimmedKey != "" {
		objectPath += "/" + trimmedKey
	}
	if basePath != "" {
		objectPath = basePath + objectPath
	}
	u := *s.endpoint
	u.Path = objectPath
	return &u
}

func (s *MediaStore) publicURL(key string) string {
	base := strings.TrimSpace(s.cfg.PublicEndpoint)
	if base == "" {
		return s.objectURL(key).String()
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

func (s *MediaStore) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(s.cfg.AccessKey)
	secretKey := strings.TrimSpace(s.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(s.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey,
		scope,
		signedHeaders,
		signature,
	)
	req.Header.Set("Authorization", authorization)
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	var signed []string
	for _, key := range keys {
		values := headerMap[key]
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(values, ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	escaped := u.EscapedPath()
	if escaped == "" {
		return "/"
	}
	if !strings.HasPrefix(escaped, "/") {
		return "/" + escaped
	}
	return escaped
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()
