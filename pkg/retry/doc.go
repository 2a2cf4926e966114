// Package retry is used once per process: to dial the broker at startup.
//
//	err := retry.Do(ctx, retry.Connect(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Errors wrapped with NonRetryable, or classified fatal or invalid by the
// errors package (bad credentials, bad configuration), stop the loop at once.
package retry
