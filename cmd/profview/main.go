// profview is a simple CLI tool for browsing profile maps.
//
// Usage:
//
//	profview <dir>                  # interactive mode
//	profview -l <dir>               # list mode (print all)
//	profview -l -n 20 <dir>         # list first 20 profiles
//	profview -stat <dir>            # print a summary
//	profview -map users -key userid <dir>
//
// Interactive mode:
//
//	j/↓    scroll down
//	k/↑    scroll up
//	g      jump to first
//	G      jump to last
//	/      search key (prefix match)
//	q/Esc  quit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/dacapoday/plainstore/profile"
)

func main() {
	listFlag := flag.Bool("l", false, "list mode (non-interactive)")
	countFlag := flag.Int("n", 0, "number of profiles (0 = all)")
	mapFlag := flag.String("map", profile.DefaultMapName, "map name")
	keyFlag := flag.String("key", "string", "key type: string, uint64 or userid")
	statFlag := flag.Bool("stat", false, "print a summary and exit")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: profview [-l] [-n count] [-stat] [-map name] [-key type] <dir>")
		os.Exit(1)
	}

	src, err := open(flag.Arg(0), *mapFlag, *keyFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	switch {
	case *statFlag:
		runStat(src)
	case *listFlag:
		runList(src, *countFlag)
	default:
		runInteractive(src)
	}
}

// source is a View with its keys rendered for display.
type source interface {
	Keys() []string
	Get(i int) ([]byte, time.Time, error)
	Size() int
	AreaSize() int64
	BlockSize() int
	Close() error
}

type viewSource[K any] struct {
	*profile.View[K]
	keys []K
}

func (s *viewSource[K]) Keys() []string {
	keys := make([]string, len(s.keys))
	for i, key := range s.keys {
		keys[i] = fmt.Sprint(key)
	}
	return keys
}

func (s *viewSource[K]) Get(i int) ([]byte, time.Time, error) {
	buf, lastAccess, ok, err := s.View.Get(s.keys[i])
	if err == nil && !ok {
		err = fmt.Errorf("key %v vanished", s.keys[i])
	}
	return buf, lastAccess, err
}

func newSource[K any](dir, name string, codec profile.KeyCodec[K]) (source, error) {
	opt := profile.Options{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))}
	v, err := profile.OpenView(dir, name, codec, opt)
	if err != nil {
		return nil, err
	}
	return &viewSource[K]{View: v, keys: v.Keys()}, nil
}

func open(dir, name, keyType string) (source, error) {
	switch keyType {
	case "string":
		return newSource[string](dir, name, profile.StringKey{})
	case "uint64":
		return newSource[uint64](dir, name, profile.Uint64Key{})
	case "userid":
		return newSource[profile.UserID](dir, name, profile.UserIDKey{})
	}
	return nil, fmt.Errorf("unknown key type %q", keyType)
}

func runStat(src source) {
	fmt.Printf("profiles:   %d\n", src.Size())
	fmt.Printf("block size: %d\n", src.BlockSize())
	fmt.Printf("area size:  %d\n", src.AreaSize())
}

func runList(src source, count int) {
	for i, key := range src.Keys() {
		if count > 0 && i >= count {
			break
		}
		buf, lastAccess, err := src.Get(i)
		if err != nil {
			fmt.Printf("%s: error: %v\n", display([]byte(key), 40), err)
			continue
		}
		fmt.Printf("%s: %s %s\n", display([]byte(key), 40), lastAccess.Format(time.RFC3339), display(buf, 60))
	}
}

func runInteractive(src source) {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	v := &viewer{src: src, keys: src.Keys()}
	v.updateSize()

	fmt.Print("\033[?25l\033[2J") // hide cursor, clear screen once
	defer fmt.Print("\033[?25h\033[2J\033[H") // show cursor, clear screen

	reader := bufio.NewReader(os.Stdin)

	for {
		v.updateSize()
		v.render()

		b, err := reader.ReadByte()
		if err != nil {
			break
		}

		v.status = ""

		switch b {
		case 'q', 3, 27: // q, Ctrl+C, Esc
			if b == 27 && reader.Buffered() > 0 {
				b2, _ := reader.ReadByte()
				if b2 == '[' {
					b3, _ := reader.ReadByte()
					switch b3 {
					case 'A':
						v.up()
					case 'B':
						v.down()
					case '5':
						reader.ReadByte()
						v.pageUp()
					case '6':
						reader.ReadByte()
						v.pageDown()
					}
				}
				continue
			}
			return
		case 'j':
			v.down()
		case 'k':
			v.up()
		case 'g':
			v.top = 0
		case 'G':
			v.top = max(len(v.keys)-v.lines(), 0)
		case '/':
			v.search(reader)
		}
	}
}

type viewer struct {
	src    source
	keys   []string
	top    int
	width  int
	height int
	status string
}

// updateSize checks terminal size and returns true if changed.
func (v *viewer) updateSize() bool {
	w, h, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		w, h = 80, 24
	}
	if w == v.width && h == v.height {
		return false
	}
	v.width, v.height = w, h
	return true
}

func (v *viewer) lines() int {
	return max(v.height-4, 1) // title + separator + separator + status
}

func (v *viewer) down() {
	// at end, allow scrolling until only 1 item visible
	if v.top < len(v.keys)-1 {
		v.top++
	}
}

func (v *viewer) up() {
	if v.top > 0 {
		v.top--
	}
}

func (v *viewer) pageDown() {
	for i := 0; i < v.lines()-1; i++ {
		v.down()
	}
}

func (v *viewer) pageUp() {
	for i := 0; i < v.lines()-1; i++ {
		v.up()
	}
}

func (v *viewer) search(reader *bufio.Reader) {
	fmt.Print("\033[?25h") // show cursor
	fmt.Printf("\033[%d;1H\033[K/", v.height)

	var input []byte
	for {
		b, err := reader.ReadByte()
		if err != nil {
			break
		}
		if b == 27 || b == 3 { // Esc or Ctrl+C
			fmt.Print("\033[?25l")
			return
		}
		if b == 13 || b == 10 { // Enter
			break
		}
		if b == 127 || b == 8 { // Backspace
			if len(input) > 0 {
				input = input[:len(input)-1]
				fmt.Print("\b \b")
			}
			continue
		}
		if b >= 32 && b < 127 {
			input = append(input, b)
			fmt.Print(string(b))
		}
	}
	fmt.Print("\033[?25l")

	if len(input) == 0 {
		return
	}
	for i, key := range v.keys {
		if strings.HasPrefix(key, string(input)) {
			v.top = i
			v.status = fmt.Sprintf("jumped to: %s", display([]byte(key), 20))
			return
		}
	}
	v.status = "not found"
}

func (v *viewer) render() {
	var b strings.Builder

	b.WriteString("\033[H")
	b.WriteString("[ profview ] ")
	b.WriteString(strconv.Itoa(len(v.keys)))
	b.WriteString(" profiles\033[K\r\n")
	b.WriteString(strings.Repeat("─", v.width))
	b.WriteString("\033[K\r\n")

	keyWidth := 32
	valWidth := max(v.width-keyWidth-26, 20)

	lines := v.lines()
	for i := 0; i < lines; i++ {
		if n := v.top + i; n < len(v.keys) {
			b.WriteString(display([]byte(v.keys[n]), keyWidth))
			b.WriteString(": ")
			if buf, lastAccess, err := v.src.Get(n); err != nil {
				b.WriteString("error: ")
				b.WriteString(err.Error())
			} else {
				b.WriteString(lastAccess.Format(time.DateTime))
				b.WriteString(" ")
				b.WriteString(display(buf, valWidth))
			}
		} else {
			b.WriteString("~")
		}
		b.WriteString("\033[K\r\n")
	}

	b.WriteString(strings.Repeat("─", v.width))
	b.WriteString("\033[K\r\n")

	pos := ""
	atStart, atEnd := v.top == 0, v.top+lines >= len(v.keys)
	if atStart && atEnd {
		pos = "[all]"
	} else if atStart {
		pos = "[top]"
	} else if atEnd {
		pos = "[end]"
	}
	if v.status != "" {
		b.WriteString(" ")
		b.WriteString(v.status)
		b.WriteString(" ")
		b.WriteString(pos)
	} else {
		b.WriteString(" j/k:scroll g/G:jump /:search q:quit ")
		b.WriteString(pos)
	}
	b.WriteString("\033[K")

	fmt.Print(b.String())
}

// display formats bytes for display, truncating if needed.
// Tries to show as string if printable, otherwise hex.
func display(b []byte, maxLen int) string {
	if len(b) == 0 {
		return "(empty)"
	}

	if utf8.Valid(b) && isPrintable(b) {
		runes := []rune(string(b))
		if len(runes) > maxLen-3 {
			return string(runes[:maxLen-3]) + "..."
		}
		return string(runes)
	}

	hex := fmt.Sprintf("%x", b)
	if len(hex) > maxLen-3 {
		return hex[:maxLen-3] + "..."
	}
	return hex
}

func isPrintable(b []byte) bool {
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
