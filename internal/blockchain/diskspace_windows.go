// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import "golang.org/x/sys/windows"

// freeDiskSpace returns the number of bytes available to the calling user on
// the volume that houses the provided directory.
func freeDiskSpace(dir string) (uint64, error) {
	dirPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	var free, total, totalFree uint64
	err = windows.GetDiskFreeSpaceEx(dirPtr, &free, &total, &totalFree)
	if err != nil {
		return 0, err
	}
	return free, nil
}
