package media

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"time"

	"voicecall-platform/internal/config"
)

var (
	ErrInvalidID     = errors.New("media: invalid user or room id")
	ErrNotConfigured = errors.New("media: credentials not configured")
)

// Credentials authorise one user to join one room.
type Credentials struct {
	AppID     int64     `json:"app_id"`
	Token     string    `json:"token"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CredentialRequest struct {
	RoomID   string
	UserID   string
	UserName string
}

// CredentialSource hands out room credentials. Implementations may block
// on network I/O.
type CredentialSource interface {
	Credentials(ctx context.Context, req CredentialRequest) (Credentials, error)
}

// Issuer mints kit tokens locally from the project's server secret.
type Issuer struct {
	appID  int64
	secret string
	ttl    time.Duration
	clock  func() time.Time
	nonce  func() (int64, error)
}

func NewIssuer(cfg config.MediaConfig) (*Issuer, error) {
	if cfg.AppID <= 0 || cfg.ServerSecret == "" {
		return nil, ErrNotConfigured
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		appID:  cfg.AppID,
		secret: cfg.ServerSecret,
		ttl:    ttl,
		clock:  time.Now,
		nonce:  randomNonce,
	}, nil
}

func (i *Issuer) Credentials(ctx context.Context, req CredentialRequest) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	userID := alnum(req.UserID)
	if len(userID) > MaxIDLength {
		userID = userID[:MaxIDLength]
	}
	if len(userID) < 2 || !validRoomID(req.RoomID) {
		return Credentials{}, ErrInvalidID
	}
	userName := req.UserName
	if userName == "" {
		userName = userID
	}

	nonce, err := i.nonce()
	if err != nil {
		return Credentials{}, err
	}
	now := i.clock()
	token, err := i.token(req.RoomID, userID, userName, now, nonce)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		AppID:     i.appID,
		Token:     token,
		RoomID:    req.RoomID,
		UserID:    userID,
		UserName:  userName,
		ExpiresAt: now.Add(i.ttl).UTC(),
	}, nil
}

type kitPayload struct {
	AppID        int64          `json:"app_id"`
	RoomID       string         `json:"room_id"`
	UserID       string         `json:"user_id"`
	UserName     string         `json:"user_name"`
	Privilege    map[string]int `json:"privilege"`
	StreamIDList []string       `json:"stream_id_list"`
}

type kitToken struct {
	Ver     int    `json:"ver"`
	Hash    string `json:"hash"`
	Nonce   int64  `json:"nonce"`
	Expired int64  `json:"expired"`
	Payload string `json:"payload"`
}

// Privilege keys: 1 = login room, 2 = publish stream.
var defaultPrivilege = map[string]int{"1": 1, "2": 1}

func (i *Issuer) token(roomID, userID, userName string, now time.Time, nonce int64) (string, error) {
	payload, err := json.Marshal(kitPayload{
		AppID:     i.appID,
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		Privilege: defaultPrivilege,
	})
	if err != nil {
		return "", err
	}

	effective := int64(i.ttl / time.Second)
	current := now.Unix()
	content := strconv.FormatInt(i.appID, 10) + i.secret + roomID + userID +
		strconv.FormatInt(effective, 10) + strconv.FormatInt(nonce, 10) + strconv.FormatInt(current, 10)

	mac := hmac.New(sha256.New, []byte(i.secret))
	mac.Write([]byte(content))

	raw, err := json.Marshal(kitToken{
		Ver:     1,
		Hash:    hex.EncodeToString(mac.Sum(nil)),
		Nonce:   nonce,
		Expired: current + effective,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", err
	}
	return "04" + base64.StdEncoding.EncodeToString(raw), nil
}

func randomNonce() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(2147483647))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
