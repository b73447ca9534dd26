// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

// runAdmin is a small CLI client for the admin API a running daemon
// exposes, for use in scripts and manual operation the way sdb talks
// to an already-running tenant.
func runAdmin(args []string) {
	adminCmd := flag.NewFlagSet("admin", flag.ExitOnError)
	endpoint := adminCmd.String("a", "127.0.0.1:9190", "admin endpoint of a running blobmanager daemon")

	if adminCmd.Parse(args) != nil {
		os.Exit(1)
	}
	rest := adminCmd.Args()
	if len(rest) == 0 {
		exitf("usage: admin [-a endpoint] stats|halt|halt-all|force-move|reassign <begin> <end> <worker>\n")
	}

	base := "http://" + *endpoint
	switch rest[0] {
	case "stats":
		getJSON(base + "/stats")
	case "halt":
		postJSON(base+"/halt", nil)
	case "halt-all":
		postJSON(base+"/halt-all", nil)
	case "force-move":
		postJSON(base+"/debug/force-move", nil)
	case "reassign":
		if len(rest) != 4 {
			exitf("usage: admin reassign <begin> <end> <worker>\n")
		}
		body, _ := json.Marshal(reassignRequest{Begin: rest[1], End: rest[2], Worker: rest[3]})
		postJSON(base+"/debug/reassign", body)
	default:
		exitf("unknown admin command %q\n", rest[0])
	}
}

func getJSON(url string) {
	res, err := http.Get(url)
	if err != nil {
		exitf("%s\n", err)
	}
	defer res.Body.Close()
	io.Copy(os.Stdout, res.Body)
	if res.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func postJSON(url string, body []byte) {
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		exitf("%s\n", err)
	}
	defer res.Body.Close()
	io.Copy(os.Stdout, res.Body)
	if res.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
