// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const delimiter = "; "

// ErrorCollection gathers errors from several operations, possibly running
// concurrently, and reports them as one.  The zero value is ready to use.
type ErrorCollection struct {
	mu        sync.Mutex
	errorList []error
}

// Add inserts err into the collection.  nil errors are ignored.
func (e *ErrorCollection) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorList = append(e.errorList, err)
}

// Len is the number of errors collected
func (e *ErrorCollection) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errorList)
}

// GetErrIfAny returns an error combining every collected error, or nil.
// errors.Is on the result matches any of the collected errors.
func (e *ErrorCollection) GetErrIfAny() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch len(e.errorList) {
	case 0:
		return nil
	case 1:
		return e.errorList[0]
	}
	return multiError(append([]error{}, e.errorList...))
}

type multiError []error

func (m multiError) Error() string {
	msgs := make([]string, len(m))
	for i, err := range m {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, delimiter)
}

func (m multiError) Is(target error) bool {
	for _, err := range m {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IntSliceToCSV converts a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}
