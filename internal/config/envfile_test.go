package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseEnv(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		input string
		want  map[string]string
	}{
		"plain assignments": {
			input: "API_KEY=abc123\nPORT=4000\n",
			want:  map[string]string{"API_KEY": "abc123", "PORT": "4000"},
		},
		"comments and blanks skipped": {
			input: "# secrets\n\nTOKEN=t1\n   # indented comment\n",
			want:  map[string]string{"TOKEN": "t1"},
		},
		"export prefix": {
			input: "export DATABASE_URL=postgres://x\n",
			want:  map[string]string{"DATABASE_URL": "postgres://x"},
		},
		"double quotes strip and expand": {
			input: `GREETING="hello\nworld"` + "\n",
			want:  map[string]string{"GREETING": "hello\nworld"},
		},
		"single quotes strip without expanding": {
			input: `RAW='hello\nworld'` + "\n",
			want:  map[string]string{"RAW": `hello\nworld`},
		},
		"value with equals sign": {
			input: "QUERY=a=b=c\n",
			want:  map[string]string{"QUERY": "a=b=c"},
		},
		"empty value": {
			input: "EMPTY=\n",
			want:  map[string]string{"EMPTY": ""},
		},
		"malformed line ignored": {
			input: "JUSTAWORD\nGOOD=1\n",
			want:  map[string]string{"GOOD": "1"},
		},
		"whitespace around key and value": {
			input: "  SPACED  =  padded  \n",
			want:  map[string]string{"SPACED": "padded"},
		},
		"later assignment wins": {
			input: "A=1\nA=2\n",
			want:  map[string]string{"A": "2"},
		},
		"escaped quote in double quotes": {
			input: `MSG="say \"hi\""` + "\n",
			want:  map[string]string{"MSG": `say "hi"`},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := parseEnv(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("parseEnv() error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parseEnv() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestParseEnvFile_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	got, err := ParseEnvFile(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("ParseEnvFile() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("missing .env should yield empty map, got %#v", got)
	}
}

func TestParseEnvFile_ReadsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SECRET=s3cr3t\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ParseEnvFile(path)
	if err != nil {
		t.Fatalf("ParseEnvFile() error: %v", err)
	}
	if got["SECRET"] != "s3cr3t" {
		t.Errorf("SECRET = %q, want s3cr3t", got["SECRET"])
	}
}
