package mcp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// ErrInvalidContent is wrapped by every content constructor error.
var ErrInvalidContent = errors.New("invalid content")

// NewTextContent returns a text content item.
func NewTextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// NewImageContent returns an image content item. data must be standard base64 and mimeType a
// type/subtype pair.
func NewImageContent(data, mimeType string) (Content, error) {
	if err := validateBinary(data, mimeType); err != nil {
		return Content{}, err
	}
	return Content{Type: ContentTypeImage, Data: data, MimeType: mimeType}, nil
}

// NewAudioContent returns an audio content item, validated like NewImageContent.
func NewAudioContent(data, mimeType string) (Content, error) {
	if err := validateBinary(data, mimeType); err != nil {
		return Content{}, err
	}
	return Content{Type: ContentTypeAudio, Data: data, MimeType: mimeType}, nil
}

// NewResourceContent embeds a resource in a content item.
func NewResourceContent(rc ResourceContents) (Content, error) {
	if err := ValidateURI(rc.URI); err != nil {
		return Content{}, err
	}
	return Content{Type: ContentTypeResource, Resource: &rc}, nil
}

// NewTextResourceContents returns text contents for the resource at uri.
func NewTextResourceContents(uri, mimeType, text string) (ResourceContents, error) {
	if err := ValidateURI(uri); err != nil {
		return ResourceContents{}, err
	}
	if mimeType != "" {
		if err := ValidateMimeType(mimeType); err != nil {
			return ResourceContents{}, err
		}
	}
	return ResourceContents{URI: uri, MimeType: mimeType, Text: text}, nil
}

// NewBlobResourceContents returns binary contents for the resource at uri. blob is base64.
func NewBlobResourceContents(uri, mimeType, blob string) (ResourceContents, error) {
	if err := ValidateURI(uri); err != nil {
		return ResourceContents{}, err
	}
	if err := validateBinary(blob, mimeType); err != nil {
		return ResourceContents{}, err
	}
	return ResourceContents{URI: uri, MimeType: mimeType, Blob: blob}, nil
}

// ValidateURI checks that uri is absolute, that is, it carries a scheme.
func ValidateURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: uri %q: %w", ErrInvalidContent, uri, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("%w: uri %q is not absolute", ErrInvalidContent, uri)
	}
	return nil
}

// ValidateMimeType checks that mimeType has the form type/subtype, optionally with parameters.
func ValidateMimeType(mimeType string) error {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fmt.Errorf("%w: mime type %q: %w", ErrInvalidContent, mimeType, err)
	}
	typ, sub, ok := strings.Cut(mediaType, "/")
	if !ok || typ == "" || sub == "" {
		return fmt.Errorf("%w: mime type %q must be type/subtype", ErrInvalidContent, mimeType)
	}
	return nil
}

func validateBinary(data, mimeType string) error {
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return fmt.Errorf("%w: data is not valid base64: %w", ErrInvalidContent, err)
	}
	return ValidateMimeType(mimeType)
}
