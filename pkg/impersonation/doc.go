// Package impersonation implements time-bounded sessions in which a
// privileged actor acts as another user.
//
// Sessions move from active to exactly one of ended, revoked or expired and
// never leave a terminal state. End and Revoke are compare-and-swap updates on
// (id, status = 'active'), so concurrent callers cannot both succeed; the loser
// gets ErrInvalidTransition.
//
// Expiry does not depend on the sweeper. Validate compares expires_at with the
// clock on every use and reports ErrSessionExpired for a session whose row
// still says active. The Sweeper only keeps the stored status current so that
// listing active sessions stays cheap:
//
//	sweeper, err := impersonation.NewSweeper(manager, "@every 1m", logger)
//	if err != nil {
//		return err
//	}
//	sweeper.Start()
//	defer sweeper.Stop()
package impersonation
