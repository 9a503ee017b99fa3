package download

// downloadFailedError carries a human-readable transfer-layer cause so the
// HTTP layer can map it to 502 and the user can retry.
type downloadFailedError struct{ cause string }

func (e downloadFailedError) Error() string { return "download failed: " + e.cause }

// ErrDownloadFailed constructs a downloadFailedError.
func ErrDownloadFailed(cause string) error { return downloadFailedError{cause: cause} }

// IsDownloadFailed reports whether err is a transfer-layer failure.
func IsDownloadFailed(err error) bool {
	_, ok := err.(downloadFailedError)
	return ok
}

// busyError signals another fetch is already in flight (409 mapping).
type busyError struct{}

func (busyError) Error() string { return "a download is already in progress" }

// IsBusy reports whether err indicates an in-flight fetch.
func IsBusy(err error) bool {
	_, ok := err.(busyError)
	return ok
}
