package detection

import "github.com/xoelrdgz/logjail/internal/domain"

// Evaluate reports whether count events for statusCode warrant a ban.
// The comparison is strictly greater-than: reaching the limit is allowed,
// the (limit+1)-th event bans. Operator policy files are tuned to this.
func Evaluate(statusCode, count int, policy *domain.Policy) bool {
	rule, ok := policy.Rule(statusCode)
	if !ok {
		return false
	}
	return count > rule.Limit
}
