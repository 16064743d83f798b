/*
 * MailWire - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// newUIDs returns the UIDs in found that are not known, ascending and
// without duplicates, capped at limit.
func newUIDs(found []uint32, known map[uint32]struct{}, limit uint) []uint32 {
	// Sometimes we have dups
	unique := map[uint32]struct{}{}
	for _, uid := range found {
		if _, ok := known[uid]; !ok {
			unique[uid] = struct{}{}
		}
	}

	uids := make([]uint32, 0, len(unique))
	for uid := range unique {
		uids = append(uids, uid)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if limit > 0 && uint(len(uids)) > limit {
		uids = uids[:limit]
	}
	return uids
}

// HashBlob returns the blob store key of data.
func HashBlob(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
