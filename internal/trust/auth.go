// Copyright 2024 The Armored DFU authors. All Rights Reserved.
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

//go:build !disable_image_auth
// +build !disable_image_auth

package trust

import (
	_ "embed"
)

// DisableAuth selects sanity-check-only image validation by default.
const DisableAuth = false

// DefaultAnchors holds the anchors compiled into the firmware.
//
//go:embed anchors.txt
var DefaultAnchors []byte
