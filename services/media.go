package services

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"clinic-chat/config"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidDataURI       = errors.New("invalid base64 data uri")
	ErrMediaTooLarge        = errors.New("media exceeds the size limit")
	ErrStorageNotConfigured = errors.New("object storage is not configured")
)

// MediaDescriptor is everything an Attachment needs from an ingested file.
type MediaDescriptor struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// MediaHint carries what the caller already knows about a file.
type MediaHint struct {
	MimeType     string // explicit override, wins over everything
	ProviderMIME string // mimetype declared in the provider payload
	FileName     string
}

type MediaService struct {
	storage  ObjectStorage
	client   *resty.Client
	maxBytes int64
	tenantID string
	wahaURL  string
	wahaKey  string
	now      func() time.Time
}

func NewMediaService(storage ObjectStorage, media config.Media, waha config.WAHA) *MediaService {
	return &MediaService{
		storage:  storage,
		client:   resty.New().SetTimeout(media.DownloadTimeout),
		maxBytes: media.MaxBytes,
		tenantID: media.TenantID,
		wahaURL:  strings.TrimRight(waha.BaseURL, "/"),
		wahaKey:  waha.APIKey,
		now:      time.Now,
	}
}

// IsOwnURL reports whether rawURL already points at our bucket.
func (s *MediaService) IsOwnURL(rawURL string) bool {
	if s.storage == nil {
		return false
	}
	_, ok := s.storage.KeyFromURL(rawURL)
	return ok
}

// StorageConfigured reports whether files can be stored at all.
func (s *MediaService) StorageConfigured() bool {
	return s.storage != nil
}

// IngestFromBase64 decodes a data URI and stores it. Every failure is returned.
func (s *MediaService) IngestFromBase64(ctx context.Context, dataURI, messageType, channelID string, hint MediaHint) (*MediaDescriptor, error) {
	uriMIME, data, err := s.decodeDataURI(dataURI)
	if err != nil {
		return nil, err
	}
	mimeType := ResolveMIME(messageType, hint.MimeType, uriMIME, hint.ProviderMIME)
	return s.store(ctx, data, mimeType, messageType, channelID, hint.FileName, "base64")
}

// InlineFile checks a data URI against the same limits as IngestFromBase64
// and returns it as a file the provider accepts inline.
func (s *MediaService) InlineFile(dataURI, messageType string, hint MediaHint) (*OutgoingFile, error) {
	uriMIME, data, err := s.decodeDataURI(dataURI)
	if err != nil {
		return nil, err
	}
	mimeType := ResolveMIME(messageType, hint.MimeType, uriMIME, hint.ProviderMIME)
	name := hint.FileName
	if name == "" {
		name = "file." + ExtensionFor(mimeType, messageType)
	}
	return &OutgoingFile{
		Mimetype: mimeType,
		Filename: name,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// decodeDataURI rejects oversized payloads on their encoded length, before
// decoding them.
func (s *MediaService) decodeDataURI(dataURI string) (string, []byte, error) {
	uriMIME, payload, err := parseDataURI(dataURI)
	if err != nil {
		return "", nil, err
	}
	payload = strings.TrimRight(payload, "=")
	if size := int64(base64.RawStdEncoding.DecodedLen(len(payload))); s.maxBytes > 0 && size > s.maxBytes {
		return "", nil, errors.Wrapf(ErrMediaTooLarge, "%d bytes", size)
	}
	data, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Wrap(ErrInvalidDataURI, err.Error())
	}
	if len(data) == 0 {
		return "", nil, ErrInvalidDataURI
	}
	return uriMIME, data, nil
}

// IngestFromURL downloads a provider hosted file and stores it. It returns nil
// on any failure so the surrounding message can still be recorded.
func (s *MediaService) IngestFromURL(ctx context.Context, rawURL, messageType, channelID string, hint MediaHint) *MediaDescriptor {
	logger := log.With().Str("session", channelID).Str("url", rawURL).Logger()

	req := s.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if s.wahaKey != "" && s.wahaURL != "" && strings.HasPrefix(rawURL, s.wahaURL) {
		req.SetHeader("X-Api-Key", s.wahaKey)
	}
	resp, err := req.Get(rawURL)
	if err != nil {
		logger.Warn().Err(err).Msg("media download failed")
		return nil
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		logger.Warn().Int("status", resp.StatusCode()).Msg("media download rejected")
		return nil
	}
	if s.maxBytes > 0 && resp.RawResponse.ContentLength > s.maxBytes {
		logger.Warn().Int64("size", resp.RawResponse.ContentLength).Msg("media too large, skipped")
		return nil
	}

	reader := io.Reader(body)
	if s.maxBytes > 0 {
		reader = io.LimitReader(body, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		logger.Warn().Err(err).Msg("media download interrupted")
		return nil
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		logger.Warn().Int("size", len(data)).Msg("media too large, skipped")
		return nil
	}

	mimeType := ResolveMIME(messageType, hint.MimeType, resp.Header().Get("Content-Type"), hint.ProviderMIME)
	fileName := hint.FileName
	if fileName == "" {
		fileName = path.Base(strings.SplitN(rawURL, "?", 2)[0])
	}
	desc, err := s.store(ctx, data, mimeType, messageType, channelID, fileName, rawURL)
	if err != nil {
		logger.Warn().Err(err).Msg("media upload failed")
		return nil
	}
	return desc
}

// Describe builds a descriptor for a file that is already in our bucket.
func (s *MediaService) Describe(fileURL, messageType string, hint MediaHint) *MediaDescriptor {
	mimeType := ResolveMIME(messageType, hint.MimeType, hint.ProviderMIME)
	name := hint.FileName
	if name == "" {
		name = path.Base(strings.SplitN(fileURL, "?", 2)[0])
	}
	return &MediaDescriptor{FileURL: fileURL, FileName: name, MimeType: mimeType}
}

func (s *MediaService) store(ctx context.Context, data []byte, mimeType, messageType, channelID, fileName, source string) (*MediaDescriptor, error) {
	if s.storage == nil {
		return nil, ErrStorageNotConfigured
	}
	ext := ExtensionFor(mimeType, messageType)
	sum := md5.Sum([]byte(source + uuid.New().String()))
	name := fmt.Sprintf("%d-%s.%s", s.now().UnixMilli(), hex.EncodeToString(sum[:])[:16], ext)
	key := ChannelMediaKey(channelID, name)
	if s.tenantID != "" {
		key = TenantKey(s.tenantID, key)
	}

	url, err := s.storage.Put(ctx, key, data, mimeType, map[string]string{
		"channel":      channelID,
		"message-type": messageType,
	})
	if err != nil {
		return nil, err
	}
	if fileName == "" || fileName == "." || fileName == "/" {
		fileName = name
	}
	log.Debug().Str("key", key).Int("size", len(data)).Msg("media stored")
	return &MediaDescriptor{
		FileURL:  url,
		FileName: fileName,
		FileSize: int64(len(data)),
		MimeType: mimeType,
	}, nil
}

// IsDataURI reports whether s is an inline base64 payload.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// IsRemoteURL reports whether s is an http(s) URL.
func IsRemoteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func parseDataURI(uri string) (mimeType, payload string, err error) {
	if !IsDataURI(uri) {
		return "", "", ErrInvalidDataURI
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", "", ErrInvalidDataURI
	}
	mimeType, _, _ = strings.Cut(header, ";")
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return "", "", ErrInvalidDataURI
	}
	return mimeType, payload, nil
}

// Fetch reads a file back from our bucket.
func (s *MediaService) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	if s.storage == nil {
		return nil, ErrStorageNotConfigured
	}
	key, ok := s.storage.KeyFromURL(fileURL)
	if !ok {
		return nil, errors.Errorf("media.Fetch: %s is not in our storage", fileURL)
	}
	return s.storage.Get(ctx, key)
}

// Remove deletes a file from our bucket. Foreign URLs are left alone.
func (s *MediaService) Remove(ctx context.Context, fileURL string) error {
	if s.storage == nil {
		return nil
	}
	key, ok := s.storage.KeyFromURL(fileURL)
	if !ok {
		return nil
	}
	return s.storage.Delete(ctx, key)
}

// SignedURL returns a time-limited URL for a file in our bucket. Foreign
// URLs are returned unchanged.
func (s *MediaService) SignedURL(ctx context.Context, fileURL string, ttl time.Duration) (string, error) {
	if s.storage == nil {
		return fileURL, nil
	}
	key, ok := s.storage.KeyFromURL(fileURL)
	if !ok {
		return fileURL, nil
	}
	return s.storage.SignURL(ctx, key, ttl)
}
