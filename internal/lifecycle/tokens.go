package lifecycle

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/1ureka/rtcall/internal/call"
)

const issuerName = "rtcall-relay"

// ErrTokenExpired reports a room token past its expiry.
var ErrTokenExpired = errors.New("room token expired")

// UserClaims identifies a signed-in user. Subject is the user id.
type UserClaims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// RoomClaims grants one user access to one call room.
type RoomClaims struct {
	RoomID string    `json:"room"`
	Role   call.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies user and room tokens with one HMAC secret.
type Issuer struct {
	secret  []byte
	userTTL time.Duration
	roomTTL time.Duration
}

// NewIssuer creates an issuer.
func NewIssuer(secret string, userTTL, roomTTL time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), userTTL: userTTL, roomTTL: roomTTL}
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuerName,
		Subject:   subject,
		ID:        uuid.NewString(),
	}
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (i *Issuer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return i.secret, nil
}

// IssueUser creates a user token for the signaling relay and REST service.
func (i *Issuer) IssueUser(userID, username string) (string, error) {
	return i.sign(&UserClaims{Username: username, RegisteredClaims: i.registered(userID, i.userTTL)})
}

// ParseUser verifies a user token and returns its claims.
func (i *Issuer) ParseUser(token string) (*UserClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &UserClaims{}, i.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*UserClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate resolves the user of an HTTP request from its bearer token
// (or the "token" query parameter, which browsers need for WebSocket).
func (i *Issuer) Authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	claims, err := i.ParseUser(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IssueRoom creates the room credential for userID in the room of callID.
func (i *Issuer) IssueRoom(callID, userID string, role call.Role) (*call.RoomToken, error) {
	roomID := RoomID(callID)
	token, err := i.sign(&RoomClaims{RoomID: roomID, Role: role, RegisteredClaims: i.registered(userID, i.roomTTL)})
	if err != nil {
		return nil, err
	}
	return &call.RoomToken{AuthToken: token, RoomID: roomID}, nil
}

// RoomID is the room every participant of callID joins.
func RoomID(callID string) string { return "call-" + callID }

// InspectRoomToken reads a room token without verifying its signature; the
// room provider does that. It rejects tokens that are malformed or expired.
func InspectRoomToken(token string) (*RoomClaims, error) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(token, &RoomClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse room token: %w", err)
	}
	claims, ok := parsed.Claims.(*RoomClaims)
	if !ok || claims.RoomID == "" {
		return nil, errors.New("invalid room token")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
