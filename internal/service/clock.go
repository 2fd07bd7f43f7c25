package service

import "time"

// Clock supplies the current time. Services take one so expiry and lockout
// release can be tested without sleeping.
type Clock func() time.Time

// UTCNow is the production clock.
func UTCNow() time.Time {
	return time.Now().UTC()
}
