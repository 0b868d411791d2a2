// Package auth verifies requests signed with the Hawk MAC scheme.
//
// A client authenticates a request by sending an "Authorization" header
// formatted like this:
//
//	Authorization: Hawk id="dh37fgj492je", ts="1353832234", nonce="j4h3g2",
//	    ext="some-app-ext-data", mac="6R4rV5iE+NPoym+WwjeHzjAGXUtLNIxmo1vpMofpLAE="
//
// The mac is the base64 HMAC of a newline-delimited canonical string built
// from the timestamp, nonce, method, request target, host, port, payload hash
// and ext data. The key id names a shared secret which the server resolves
// through a CredentialStore.
//
// Engine.Verify is the single entry point. It never returns an error: every
// outcome is a Result, either an authenticated Identity or a rejection Reason.
// Reasons are meant for server-side logs; callers are expected to answer all
// rejections with the same 401, optionally carrying Result.Challenge in a
// "WWW-Authenticate" header so that clients can correct their clocks.
//
// A request can be signed from the shell like this:
//
//	ts="$(date --utc +%s)"
//	printf 'hawk.1.header\n%s\nabc123\nGET\n/resource\nexample.com\n80\n\n\n' "$ts" \
//	| openssl dgst -sha256 -hmac "s3cr3t" -binary \
//	| openssl enc -base64
package auth
