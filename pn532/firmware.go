// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package pn532

import (
	"errors"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

var errUnexpectedFirmware = errors.New("unexpected firmware version response")

// FirmwareVersion is the answer to GetFirmwareVersion.
type FirmwareVersion struct {
	Version          string
	IC               byte
	SupportIso14443a bool
	SupportIso14443b bool
	SupportIso18092  bool
}

func (f FirmwareVersion) String() string {
	return fmt.Sprintf("PN5%02X v%s", f.IC, f.Version)
}

// parseFirmware reads IC, Ver, Rev and Support. Clones sometimes repeat the
// TFI and response code in front of the payload.
func parseFirmware(data []byte) (FirmwareVersion, error) {
	if len(data) >= 6 && data[0] == 0xD5 && data[1] == cmdGetFirmwareVersion+1 {
		cardwall.Debugln("pn532: clone firmware response with TFI prefix")
		data = data[2:]
	}
	if len(data) < 4 {
		return FirmwareVersion{}, fmt.Errorf("%w: %d bytes", errUnexpectedFirmware, len(data))
	}
	if data[0] != 0x32 {
		return FirmwareVersion{}, fmt.Errorf("%w: IC 0x%02X", errUnexpectedFirmware, data[0])
	}
	return FirmwareVersion{
		IC:               data[0],
		Version:          fmt.Sprintf("%d.%d", data[1], data[2]),
		SupportIso14443a: data[3]&0x01 != 0,
		SupportIso14443b: data[3]&0x02 != 0,
		SupportIso18092:  data[3]&0x04 != 0,
	}, nil
}
