package manager

// loadFailedError signals the engine rejected the artifact (corrupt file,
// unsupported format, resource exhaustion). Retryable.
type loadFailedError struct{ msg string }

func (e loadFailedError) Error() string { return "load failed: " + e.msg }

// ErrLoadFailed constructs a loadFailedError.
func ErrLoadFailed(msg string) error { return loadFailedError{msg: msg} }

// IsLoadFailed reports whether err indicates an engine load failure.
func IsLoadFailed(err error) bool {
	_, ok := err.(loadFailedError)
	return ok
}

// artifactNotFoundError is returned when a requested filename is not present
// in the models directory.
type artifactNotFoundError struct{ name string }

func (e artifactNotFoundError) Error() string { return "artifact not found: " + e.name }

// ErrArtifactNotFound constructs an artifactNotFoundError.
func ErrArtifactNotFound(name string) error { return artifactNotFoundError{name: name} }

// IsArtifactNotFound reports whether err indicates a missing artifact file.
func IsArtifactNotFound(err error) bool {
	_, ok := err.(artifactNotFoundError)
	return ok
}

// notReadyError signals no engine is loaded when a generation was requested.
type notReadyError struct{}

func (notReadyError) Error() string { return "no model loaded" }

// ErrNotReady constructs a notReadyError.
func ErrNotReady() error { return notReadyError{} }

// IsNotReady reports whether err indicates the session is not Ready.
func IsNotReady(err error) bool {
	_, ok := err.(notReadyError)
	return ok
}

// engineUnavailableError signals the engine runtime itself is missing
// (binary not built in, server unreachable) so callers can return 503.
type engineUnavailableError struct{ msg string }

func (e engineUnavailableError) Error() string { return e.msg }

// ErrEngineUnavailable constructs an engineUnavailableError.
func ErrEngineUnavailable(msg string) error { return engineUnavailableError{msg: msg} }

// IsEngineUnavailable reports whether err indicates a missing runtime.
func IsEngineUnavailable(err error) bool {
	_, ok := err.(engineUnavailableError)
	return ok
}
