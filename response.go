// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package bulkdispatcher

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
)

// BulkResult holds the decoded outcome of a bulk request.
type BulkResult struct {
	// StatusCode holds the HTTP status code of the response.
	StatusCode int

	// Took holds the server side processing time in milliseconds.
	Took int64

	// Errors holds the "errors" flag of the response.
	Errors bool

	// Items holds the number of items in the response.
	Items int

	// FailedItems holds the items that were not indexed.
	FailedItems []FailedItem

	// ErrorMessage holds the request level error of a non-2xx response.
	ErrorMessage string
}

// Succeeded reports whether every item of the request was indexed.
func (r *BulkResult) Succeeded() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 &&
		!r.Errors && r.ErrorMessage == "" && len(r.FailedItems) == 0
}

// Summary returns a one-line description of the failure.
func (r *BulkResult) Summary() string {
	if r.ErrorMessage != "" {
		return fmt.Sprintf("bulk request failed with status %d: %s", r.StatusCode, r.ErrorMessage)
	}
	return fmt.Sprintf("%d of %d bulk items failed", len(r.FailedItems), r.Items)
}

// FailedItem is a bulk response item that was not indexed.
type FailedItem struct {
	// ID holds the document ID, when Elasticsearch returned one.
	ID string
	// Position holds the zero based position of the item in the request.
	Position int

	Index  string
	Status int

	ErrorType   string
	ErrorReason string
}

// Identifier returns the document ID or, when absent, the item position.
func (f FailedItem) Identifier() string {
	if f.ID != "" {
		return f.ID
	}
	return "#" + strconv.Itoa(f.Position)
}

// Detail describes why the item failed.
func (f FailedItem) Detail() string {
	switch {
	case f.ErrorType != "" && f.ErrorReason != "":
		return f.ErrorType + ": " + f.ErrorReason
	case f.ErrorType != "":
		return f.ErrorType
	default:
		return "status " + strconv.Itoa(f.Status)
	}
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("bulkdispatcher.BulkResult", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		result := (*BulkResult)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "took":
				result.Took = i.ReadInt64()
			case "errors":
				result.Errors = i.ReadBool()
			case "items":
				i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, _ string) bool {
						item := readFailedItem(i)
						item.Position = result.Items
						result.Items++
						if item.ErrorType != "" || item.Status > 201 {
							result.FailedItems = append(result.FailedItems, item)
						}
						return true
					})
				})
			case "error":
				result.ErrorMessage = readErrorMessage(i)
			default:
				i.Skip()
			}
			return true
		})
	})
}

func readFailedItem(i *jsoniter.Iterator) FailedItem {
	var item FailedItem
	i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
		switch s {
		case "_id":
			item.ID = i.ReadString()
		case "_index":
			item.Index = i.ReadString()
		case "status":
			item.Status = i.ReadInt()
		case "error":
			if i.WhatIsNext() != jsoniter.ObjectValue {
				item.ErrorType = readErrorMessage(i)
				return true
			}
			i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
				switch s {
				case "type":
					item.ErrorType = i.ReadString()
				case "reason":
					// Field mapper errors embed a preview of the rejected
					// value, which may be arbitrarily large.
					item.ErrorReason, _, _ = strings.Cut(
						i.ReadString(), ". Preview",
					)
				default:
					i.Skip()
				}
				return true
			})
		default:
			i.Skip()
		}
		return true
	})
	return item
}

// readErrorMessage reads a request level "error" value, which is either a
// string or an object with type and reason.
func readErrorMessage(i *jsoniter.Iterator) string {
	switch i.WhatIsNext() {
	case jsoniter.StringValue:
		return i.ReadString()
	case jsoniter.ObjectValue:
		var typ, reason string
		i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "type":
				typ = i.ReadString()
			case "reason":
				reason = i.ReadString()
			default:
				i.Skip()
			}
			return true
		})
		if reason == "" {
			return typ
		}
		return typ + ": " + reason
	default:
		i.Skip()
		return ""
	}
}

// IsBulkSuccess reports whether a bulk response is a complete success,
// given its status code and a leading fragment of its body.
//
// Elasticsearch writes "took" and "errors" ahead of "items", so for a 200
// response it is enough to find `"errors": false` before any "items" key.
// The fragment may be truncated at any point; an undecidable fragment
// yields false.
func IsBulkSuccess(fragment []byte, statusCode int) bool {
	if statusCode != http.StatusOK {
		return false
	}
	iter := jsoniter.ParseBytes(jsoniter.ConfigDefault, fragment)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return false
	}
	for field := iter.ReadObject(); field != "" && iter.Error == nil; field = iter.ReadObject() {
		switch field {
		case "errors":
			if iter.WhatIsNext() != jsoniter.BoolValue {
				return false
			}
			errs := iter.ReadBool()
			return iter.Error == nil && !errs
		case "items", "error":
			return false
		default:
			iter.Skip()
		}
	}
	return false
}
