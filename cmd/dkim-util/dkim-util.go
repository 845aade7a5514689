// dkim-util is a command-line utility for DKIM-related operations.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"blitiri.com.ar/go/log"
)

// Usage to show users on --help or invocation errors.
const usage = `
Usage:
  dkim-util [options] verify
    Read a message over stdin, verify its DKIM signatures, and print
    the corresponding Authentication-Results header.
  dkim-util [options] keygen <domain> [<selector> <private-key.pem>] [--algo=rsa3072|rsa4096]
    Generate a new DKIM key pair for the domain.
  dkim-util [options] dns <domain> <selector> <private-key.pem>
    Print the DNS TXT record to use for the domain, selector and
    private key.

Options:
  -v    Verbose mode
`

// Command-line arguments.
// Arguments starting with "-" will be parsed as key-value pairs, and
// positional arguments will appear as "$POS" -> value.
//
// For example, "--abc=def x y -p=q -r" will result in:
// {"--abc": "def", "$1": "x", "$2": "y", "-p": "q", "-r": ""}
var args map[string]string

func main() {
	args = parseArgs()

	if _, ok := args["--help"]; ok {
		fmt.Print(usage)
		return
	}

	log.Init()

	commands := map[string]func(){
		"verify": dkimVerify,
		"keygen": dkimKeygen,
		"dns":    dkimDNS,
	}

	cmd := args["$1"]
	if f, ok := commands[cmd]; ok {
		f()
	} else {
		fmt.Printf("Unknown argument %q\n", cmd)
		Fatalf(usage)
	}
}

// Fatalf prints the given message to stderr, then exits the program with
// an error code.
func Fatalf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(1)
}

// parseArgs parses the command line arguments, and returns a map.
func parseArgs() map[string]string {
	args := map[string]string{}

	pos := 1
	for _, a := range os.Args[1:] {
		if strings.HasPrefix(a, "-") {
			sp := strings.SplitN(a, "=", 2)
			if len(sp) < 2 {
				args[a] = ""
			} else {
				args[sp[0]] = sp[1]
			}
		} else {
			args["$"+strconv.Itoa(pos)] = a
			pos++
		}
	}

	return args
}
