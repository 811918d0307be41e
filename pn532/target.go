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
	"bytes"
	"context"
	"fmt"

	cardwall "github.com/ZaparooProject/go-cardwall"
)

// target is one entry of an InListPassiveTarget response at 106 kbps type A.
type target struct {
	sensRes []byte
	uid     []byte
	ats     []byte
	number  byte
	selRes  byte
}

func (t target) isoDEP() bool {
	return t.selRes&selResISODEP != 0
}

// parseTarget reads NbTg and the first target: Tg, SENS_RES, SEL_RES,
// NFCIDLength, NFCID1 and, for ISO-DEP cards, the ATS.
func parseTarget(res []byte) (target, bool, error) {
	if len(res) == 0 {
		return target{}, false, fmt.Errorf("%w: empty target list", cardwall.ErrInvalidResponse)
	}
	if res[0] == 0 {
		return target{}, false, nil
	}

	offset := 1
	if len(res) < offset+5 {
		return target{}, false, fmt.Errorf("%w: target truncated at header", cardwall.ErrInvalidResponse)
	}
	t := target{
		number:  res[offset],
		sensRes: bytes.Clone(res[offset+1 : offset+3]),
		selRes:  res[offset+3],
	}
	uidLen := int(res[offset+4])
	offset += 5

	if len(res) < offset+uidLen {
		return target{}, false, fmt.Errorf("%w: target truncated at UID", cardwall.ErrInvalidResponse)
	}
	t.uid = bytes.Clone(res[offset : offset+uidLen])
	offset += uidLen

	if t.isoDEP() && offset < len(res) {
		atsLen := int(res[offset])
		if atsLen == 0 || len(res) < offset+atsLen {
			return target{}, false, fmt.Errorf("%w: target truncated at ATS", cardwall.ErrInvalidResponse)
		}
		t.ats = bytes.Clone(res[offset : offset+atsLen])
	}
	return t, true, nil
}

// listTarget activates at most one type A card. The caller holds the chip.
func (d *Device) listTarget(ctx context.Context) (target, bool, error) {
	res, err := d.command(ctx, "in list passive target", cmdInListPassiveTarget, []byte{0x01, brTy106TypeA})
	if err != nil {
		return target{}, false, err
	}
	t, found, err := parseTarget(res)
	if err != nil {
		return target{}, false, cardwall.NewTransportError("in list passive target", d.Port(), err, cardwall.ErrorTypeTransient)
	}
	return t, found, nil
}

// NextTag polls until an ISO-DEP card enters the field. A card that stays
// in the field is reported once; it has to leave before it is reported again.
func (d *Device) NextTag(ctx context.Context) (cardwall.Tag, error) {
	for {
		t, found, err := d.poll(ctx)
		if err != nil {
			return cardwall.Tag{}, err
		}
		if found {
			tag := cardwall.NewTag(t.uid)
			tag.Reader = d.Port()
			tag.ATS = t.ats
			tag.Target = t.number
			return tag, nil
		}
		if err := cardwall.SleepContext(ctx, d.config.PollInterval); err != nil {
			return cardwall.Tag{}, err
		}
	}
}

// poll lists once and reports whether a new ISO-DEP card showed up.
func (d *Device) poll(ctx context.Context) (target, bool, error) {
	if err := d.acquire(ctx); err != nil {
		return target{}, false, err
	}
	t, found, err := d.listTarget(ctx)
	d.release()
	if err != nil {
		return target{}, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !found {
		d.last = nil
		return target{}, false, nil
	}
	if bytes.Equal(d.last, t.uid) {
		return target{}, false, nil
	}
	d.last = t.uid
	if !t.isoDEP() {
		cardwall.Debugf("pn532: ignoring card %X with SEL_RES 0x%02X", t.uid, t.selRes)
		return target{}, false, nil
	}
	return t, true, nil
}
