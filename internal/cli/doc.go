// Copyright 2025 Tom Barlow
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

/*
Package cli builds the pollwatch command tree and handles global concerns:
version information, persistent flags and exit codes. Individual commands
live in the internal/commands subpackages.

# Command Tree

	pollwatch
	├── enable     Seed a trigger's watermark
	├── disable    Delete a trigger's watermark
	├── run        Run one poll cycle
	├── test       Dry-run a trigger's source
	├── show       Print a stored watermark
	├── list       List trigger instances
	├── serve      Schedule enabled triggers
	├── secrets    Store credentials in the keychain
	├── version    Show version
	└── help       Show help

# Global Flags

	--config    Config file (default: $XDG_CONFIG_HOME/pollwatch/config.yaml)
	--json      Machine-readable output
	--verbose   Debug logging
	--quiet     Errors only
*/
package cli
