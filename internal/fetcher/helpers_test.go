package fetcher

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://example.com/feed.xml", wantErr: false},
		{url: "http://example.com/rss", wantErr: false},
		{url: "ftp://example.com/feed", wantErr: true},
		{url: "javascript:alert(1)", wantErr: true},
		{url: "/relative/path", wantErr: true},
		{url: "", wantErr: true},
		{url: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidURL) {
				t.Errorf("ValidateURL(%q) error should wrap ErrInvalidURL", tt.url)
			}
		})
	}
}

func TestReadingTime(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty", content: "", want: 0},
		{name: "one word", content: "<p>hello</p>", want: 1},
		{name: "exactly 200", content: strings.Repeat("word ", 200), want: 1},
		{name: "201 words", content: strings.Repeat("word ", 201), want: 2},
		{name: "markup ignored", content: "<p>" + strings.Repeat("<b>x</b> ", 400) + "</p>", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadingTime(tt.content); got != tt.want {
				t.Errorf("ReadingTime() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		maxLength int
		want      string
	}{
		{name: "short text unchanged", content: "Short text.", maxLength: 100, want: "Short text."},
		{name: "sentence boundary", content: "First sentence. Second sentence. Third sentence.", maxLength: 30, want: "First sentence."},
		{name: "question mark", content: "Is this a question? Yes it is. More text here.", maxLength: 25, want: "Is this a question?"},
		{name: "exclamation mark", content: "This is exciting! More text here. Even more.", maxLength: 25, want: "This is exciting!"},
		{name: "word boundary", content: "This is a very long text without any sentence boundaries at all", maxLength: 20, want: "This is a very long..."},
		{name: "html stripped", content: "<p>Hello <b>there</b></p>", maxLength: 50, want: "Hello there"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Excerpt(tt.content, tt.maxLength); got != tt.want {
				t.Errorf("Excerpt() = %q, want %q", got, tt.want)
			}
		})
	}

	long := Excerpt(strings.Repeat("A", 300), 0)
	if len(long) != 203 {
		t.Errorf("Excerpt() of unbroken text has length %d, want 203", len(long))
	}
}
