package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"calscrape/internal/fsutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestWriteFile(t *testing.T) {
	Convey("Given a temp directory", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "out.ics")

		Convey("When writing a file into a missing directory", func() {
			err := fsutil.WriteFile(path, []byte("BEGIN:VCALENDAR\r\n"), 0o644)

			Convey("Then the directory is created and the content is in place", func() {
				So(err, ShouldBeNil)
				data, rerr := os.ReadFile(path)
				So(rerr, ShouldBeNil)
				So(string(data), ShouldEqual, "BEGIN:VCALENDAR\r\n")
			})

			Convey("Then no temp files are left behind", func() {
				entries, _ := os.ReadDir(filepath.Dir(path))
				So(len(entries), ShouldEqual, 1)
			})
		})

		Convey("When overwriting an existing file", func() {
			So(fsutil.WriteFile(path, []byte("old"), 0o644), ShouldBeNil)
			So(fsutil.WriteFile(path, []byte("new"), 0o600), ShouldBeNil)

			Convey("Then the new content and mode replace the old", func() {
				data, _ := os.ReadFile(path)
				So(string(data), ShouldEqual, "new")
				info, _ := os.Stat(path)
				So(info.Mode().Perm(), ShouldEqual, os.FileMode(0o600))
			})
		})

		Convey("When the path is empty", func() {
			err := fsutil.WriteFile("", []byte("x"), 0o644)

			Convey("Then an error is returned", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestJSONRoundTrip(t *testing.T) {
	Convey("Given a JSON document written atomically", t, func() {
		path := filepath.Join(t.TempDir(), "state.json")
		in := map[string]any{"slugs": []string{"a", "b"}}
		So(fsutil.WriteJSON(path, in), ShouldBeNil)

		Convey("Then it reads back", func() {
			var out struct {
				Slugs []string `json:"slugs"`
			}
			So(fsutil.ReadJSON(path, &out), ShouldBeNil)
			So(out.Slugs, ShouldResemble, []string{"a", "b"})
		})

		Convey("Then a missing file reports an error", func() {
			var out map[string]any
			So(fsutil.ReadJSON(path+".missing", &out), ShouldNotBeNil)
		})
	})
}
