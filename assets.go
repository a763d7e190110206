package main

import (
	"embed"
	"io/fs"
	"os"

	assetfs "github.com/elazarl/go-bindata-assetfs"
)

//go:embed ui
var uiFiles embed.FS

func assetFS() *assetfs.AssetFS {
	return &assetfs.AssetFS{
		Asset: func(name string) ([]byte, error) {
			return uiFiles.ReadFile(name)
		},
		AssetDir: func(name string) ([]string, error) {
			entries, err := uiFiles.ReadDir(name)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			return names, nil
		},
		AssetInfo: func(name string) (os.FileInfo, error) {
			return fs.Stat(uiFiles, name)
		},
		Prefix: "ui",
	}
}
