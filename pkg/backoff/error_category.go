// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package backoff

import "errors"

// ErrorCategory tells a retry loop what to do with an error.
type ErrorCategory int

const (
	// CategoryIgnored errors are logged and dropped; the operation counts
	// as done.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient errors are retried with backoff until the attempt
	// budget runs out. Connectivity loss and timeouts are transient.
	CategoryTransient

	// CategoryPermanent errors end the retry loop immediately. A remote
	// that refused the operation will refuse it again.
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

// Error returns the original error message.
func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying wrapped error.
func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// IsCategory checks if the CategorizedError has the specified category.
func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// Categorizer lets an error type declare its own category without
// being wrapped.
type Categorizer interface {
	Category() ErrorCategory
}

// CategoryOf returns the category of err: an explicit CategorizedError
// wins, then a Categorizer anywhere in the chain, then Transient.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryTransient
}

// CategorizeError ensures that every error is at least Transient if not already categorized.
func CategorizeError(err error) error {
	if err == nil {
		return nil
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}
	return &CategorizedError{Err: err, Category: CategoryOf(err)}
}

func IsIgnoredError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryIgnored
}

func IsTransientError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryTransient
}

func IsPermanentError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryPermanent
}

// ExtractOriginalError unwraps err down to its root cause.
func ExtractOriginalError(err error) error {
	if err == nil {
		return nil
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
