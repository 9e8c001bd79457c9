package fetcher

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed matches every *FetchError
	ErrFetchFailed = errors.New("feed fetch failed")
	// ErrMalformedFeed is returned without retrying when the document has no feed title
	ErrMalformedFeed = errors.New("no feed metadata found")
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs
	ErrInvalidURL = errors.New("invalid feed URL")
)

// FetchError is returned after every attempt to fetch a feed has failed
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch feed %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrFetchFailed) match
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}
