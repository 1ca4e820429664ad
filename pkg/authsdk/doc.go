/*
Package authsdk is the client SDK of the BlueWhale auth service and the home
of its wire error taxonomy.

# Client

A Client behaves like a browser: access and refresh tokens are HttpOnly
cookies kept in the client's cookie jar, and every POST, PUT or DELETE echoes
the csrf_token cookie in the X-CSRF-Token header. The first state-changing
request fetches a CSRF token automatically.

	client, err := authsdk.NewClient("https://auth.example.com")
	if err != nil {
		return err
	}

	res, err := client.Login(ctx, "bob", password, "")
	if err != nil {
		return err
	}
	if res.MFARequired {
		res, err = client.VerifyMFA(ctx, "bob", res.MFAToken, totpCode)
		if err != nil {
			return err
		}
	}

	sessions, err := client.Sessions(ctx)

When a request fails because the access token expired, the client rotates
the refresh token once and retries. Set AutoRefresh to false to disable this.

# Errors

Every error response has the body

	{"error": "token_revoked", "error_description": "..."}

and is decoded into an *APIError. The predefined values can be matched with
errors.Is:

	if errors.Is(err, authsdk.ErrInvalidMFACode) {
		// ask for the code again
	}
	if authsdk.IsSessionEnded(err) {
		// token_expired, token_revoked or token_unknown: sign in again
	}

Rate-limited (429) and temporarily unavailable (503) responses carry
RetryAfter in seconds.

The server uses the same values through APIError.WriteError, so the
taxonomy has a single definition.
*/
package authsdk
