package worker

import "time"

// maxBackoffShift caps the exponent so large attempt counts cannot overflow.
const maxBackoffShift = 20

// Decision is the finalize outcome for a failed attempt.
type Decision struct {
	Terminal bool      // no attempts left; task goes to error
	RunAfter time.Time // when the retry becomes due (zero if Terminal)
}

// Decide applies the retry policy to a failed attempt. attempts is the
// counter after the claim that just failed: with maxAttempts 3 and base one
// minute, attempts 1 and 2 retry after 1 and 2 minutes, attempt 3 is terminal.
func Decide(attempts, maxAttempts int, now time.Time, base time.Duration) Decision {
	if attempts >= maxAttempts {
		return Decision{Terminal: true}
	}
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return Decision{RunAfter: now.Add(base << shift)}
}
