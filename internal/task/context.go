package task

import "context"

type ctxKey struct{}

// WithToken returns a copy of ctx carrying tok.
func WithToken(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, ctxKey{}, tok)
}

// TokenFrom returns the token carried by ctx, or nil.
func TokenFrom(ctx context.Context) *Token {
	tok, _ := ctx.Value(ctxKey{}).(*Token)
	return tok
}

// Report forwards progress to the token carried by ctx, if any.
func Report(ctx context.Context, desc string, percent int) {
	if tok := TokenFrom(ctx); tok != nil {
		tok.Report(desc, percent)
	}
}
