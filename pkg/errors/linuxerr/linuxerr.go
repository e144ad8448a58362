// Copyright 2026 The gVisor Authors.
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

// Package linuxerr contains the errno-backed errors returned by hypercalls.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/hvmm/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno.
var (
	ENOENT     = errors.New(unix.ENOENT, "no such file or directory")
	EIO        = errors.New(unix.EIO, "I/O error")
	ENOMEM     = errors.New(unix.ENOMEM, "out of memory")
	EFAULT     = errors.New(unix.EFAULT, "bad address")
	EBUSY      = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST     = errors.New(unix.EEXIST, "file exists")
	EINVAL     = errors.New(unix.EINVAL, "invalid argument")
	ERANGE     = errors.New(unix.ERANGE, "math result not representable")
	ENOSYS     = errors.New(unix.ENOSYS, "invalid system call number")
	EOPNOTSUPP = errors.New(unix.EOPNOTSUPP, "operation not supported")
)

// ToError converts an errno to an *errors.Error.
func ToError(errno unix.Errno) error {
	switch errno {
	case 0:
		return nil
	case unix.ENOENT:
		return ENOENT
	case unix.EIO:
		return EIO
	case unix.ENOMEM:
		return ENOMEM
	case unix.EFAULT:
		return EFAULT
	case unix.EBUSY:
		return EBUSY
	case unix.EEXIST:
		return EEXIST
	case unix.EINVAL:
		return EINVAL
	case unix.ERANGE:
		return ERANGE
	case unix.ENOSYS:
		return ENOSYS
	case unix.EOPNOTSUPP:
		return EOPNOTSUPP
	}
	return errors.New(errno, errno.Error())
}

// ToUnix returns the errno carried by err, searching wrapped errors. Errors
// that carry no errno map to EINVAL.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// Equals checks if err carries the same errno as e.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	return ToUnix(err) == e.Errno()
}
