package eligibility

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrCapabilityExpired = errors.New("capability expired: its exit condition has been reached")
	ErrCapabilityInvalid = errors.New("capability token invalid")
)

// ConditionRegistry tracks event-triggered expiry conditions, e.g.
// "financial sustainability reached". Once a condition is satisfied,
// every capability bound to it is dead; the check is per call, never a
// branch on actor identity.
type ConditionRegistry struct {
	mu        sync.RWMutex
	satisfied map[string]time.Time
}

// NewConditionRegistry creates an empty registry.
func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{satisfied: make(map[string]time.Time)}
}

// MarkSatisfied records that a condition has occurred.
func (c *ConditionRegistry) MarkSatisfied(conditionID string) {
	c.mu.Lock()
	c.satisfied[conditionID] = time.Now()
	c.mu.Unlock()
}

// Satisfied reports whether a condition has occurred.
func (c *ConditionRegistry) Satisfied(conditionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.satisfied[conditionID]
	return ok
}

// CapabilityClaims carry one time-boxed privileged power.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Capability      string `json:"capability"`
	ExpiryCondition string `json:"expiry_condition"`
}

// CapabilityIssuer mints and checks signed capability tokens for
// steward and founder powers.
type CapabilityIssuer struct {
	key        []byte
	conditions *ConditionRegistry
	clock      func() time.Time
}

// NewCapabilityIssuer creates an issuer with an HMAC signing key.
func NewCapabilityIssuer(key []byte, conditions *ConditionRegistry) *CapabilityIssuer {
	return &CapabilityIssuer{key: key, conditions: conditions, clock: time.Now}
}

// Issue mints a capability token for an actor, bound to an
// event-triggered expiry condition and a calendar backstop.
func (i *CapabilityIssuer) Issue(actorID, capability, conditionID string, backstop time.Duration) (string, error) {
	now := i.clock().UTC()
	claims := CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(backstop)),
			Issuer:    "concord/eligibility",
		},
		Capability:      capability,
		ExpiryCondition: conditionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// Check validates a token and the named capability. A satisfied expiry
// condition kills the capability even inside the calendar window.
func (i *CapabilityIssuer) Check(tokenString, capability string) (*CapabilityClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CapabilityClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityInvalid, err)
	}
	claims, ok := token.Claims.(*CapabilityClaims)
	if !ok || !token.Valid {
		return nil, ErrCapabilityInvalid
	}
	if claims.Capability != capability {
		return nil, fmt.Errorf("%w: token grants %q, not %q", ErrCapabilityInvalid, claims.Capability, capability)
	}
	if claims.ExpiryCondition != "" && i.conditions.Satisfied(claims.ExpiryCondition) {
		return nil, fmt.Errorf("%w: condition %s", ErrCapabilityExpired, claims.ExpiryCondition)
	}
	return claims, nil
}
