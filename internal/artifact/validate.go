package artifact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"studio/internal/apperrors"
)

const (
	maxNameLength  = 128
	maxJobIDLength = 128
)

var (
	namePattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

// ValidateKey checks that jobID and name can be mapped to a storage location
// without escaping the store root.
func ValidateKey(jobID, name string) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	return ValidateName(name)
}

// ValidateJobID checks that jobID can name a job directory.
func ValidateJobID(jobID string) error {
	if jobID == "" {
		return apperrors.Validation("jobId", "job id is required")
	}
	if len(jobID) > maxJobIDLength || !jobIDPattern.MatchString(jobID) {
		return apperrors.Validation("jobId", fmt.Sprintf("invalid job id %q", jobID))
	}
	return nil
}

// ValidateName checks an artifact name.
func ValidateName(name string) error {
	if name == "" {
		return apperrors.Validation("name", "artifact name is required")
	}
	if len(name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("artifact name exceeds maximum length of %d", maxNameLength))
	}
	if !namePattern.MatchString(name) {
		return apperrors.Validation("name", fmt.Sprintf("invalid artifact name %q (lowercase letters, digits and dashes)", name))
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
