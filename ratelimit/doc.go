// Package ratelimit enforces a minimum interval between sends, per
// endpoint key: a single-slot token, with no burst allowance. Unlike a
// sliding-window counter this tracks only one number per endpoint — the
// instant of the last granted send — and blocks callers until that
// instant is far enough in the past.
package ratelimit
