package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "ticket_claims"

// ErrTicketRoom is returned when a ticket is presented for another room.
var ErrTicketRoom = errors.New("ticket not valid for room")

// TicketClaims are carried in a relay ticket token.
type TicketClaims struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role"`
	RoomID string      `json:"room_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies relay tickets. With an empty secret, tickets carry
// no token and the websocket endpoint is open.
type Issuer struct {
	secret     []byte
	ttl        time.Duration
	signalPath string
	iceServers []domain.ICEServer
	now        func() time.Time
}

// NewIssuer creates a ticket issuer.
func NewIssuer(secret string, ttl time.Duration, signalPath string, iceServers []domain.ICEServer) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		secret:     []byte(secret),
		ttl:        ttl,
		signalPath: signalPath,
		iceServers: iceServers,
		now:        time.Now,
	}
}

// Enabled reports whether tickets are signed and required.
func (i *Issuer) Enabled() bool { return len(i.secret) > 0 }

// Issue creates a ticket for req.
func (i *Issuer) Issue(req domain.TicketRequest) (*domain.Ticket, error) {
	now := i.now()
	ticket := &domain.Ticket{
		UserID:     req.UserID,
		Role:       req.Role,
		RoomID:     req.RoomID,
		SignalPath: i.signalPath,
		ICEServers: i.iceServers,
		ExpiresAt:  now.Add(i.ttl),
	}
	if !i.Enabled() {
		return ticket, nil
	}

	claims := TicketClaims{
		UserID: req.UserID,
		Role:   req.Role,
		RoomID: req.RoomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(ticket.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   req.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign ticket: %w", err)
	}
	ticket.Token = signed
	return ticket, nil
}

// Verify parses and validates a ticket token.
func (i *Issuer) Verify(tokenString string) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("parse ticket: %w", err)
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid ticket claims")
	}
	return claims, nil
}

// TicketAuth requires a valid ticket when the issuer is enabled. The token is
// read from the Authorization header or, for browsers, the token query parameter.
func TicketAuth(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !issuer.Enabled() {
			c.Next()
			return
		}

		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid authorization header format",
				})
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Ticket required",
			})
			return
		}

		claims, err := issuer.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid ticket",
			})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *TicketClaims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*TicketClaims)
	return claims
}
