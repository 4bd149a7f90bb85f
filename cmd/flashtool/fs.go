package main

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/fatih/color"
	"tinygo.org/x/tinyfs/littlefs"
)

type fsCmd struct {
	Format fsFormatCmd `cmd:"" help:"Create a fresh littlefs on the image."`
	Ls     fsLsCmd     `cmd:"" help:"List a directory."`
	Write  fsWriteCmd  `cmd:"" help:"Copy a host file into the filesystem."`
	Cat    fsCatCmd    `cmd:"" help:"Print a file."`
	Rm     fsRmCmd     `cmd:"" help:"Remove a file or empty directory."`
}

func mountLFS(e *env, format bool) (*littlefs.LFS, error) {
	lfs := littlefs.New(e.dev)
	lfs.Configure(&littlefs.Config{
		CacheSize:     512,
		LookaheadSize: 512,
		BlockCycles:   100,
	})
	if format {
		if err := lfs.Format(); err != nil {
			return nil, fmt.Errorf("format: %w", err)
		}
	}
	if err := lfs.Mount(); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return lfs, nil
}

type fsFormatCmd struct{}

func (fsFormatCmd) Run(e *env) error {
	lfs, err := mountLFS(e, true)
	if err != nil {
		return err
	}
	defer lfs.Unmount()
	fmt.Println(color.GreenString("formatted"), cli.Image)
	return nil
}

type fsLsCmd struct {
	Path string `arg:"" optional:"" default:"/" help:"Directory to list."`
}

func (cmd *fsLsCmd) Run(e *env) error {
	lfs, err := mountLFS(e, false)
	if err != nil {
		return err
	}
	defer lfs.Unmount()

	dir, err := lfs.Open(cmd.Path)
	if err != nil {
		return err
	}
	defer dir.Close()
	infos, err := dir.Readdir(0)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() {
			fmt.Printf("%10s  %s/\n", "", color.CyanString(name))
		} else {
			fmt.Printf("%10d  %s\n", fi.Size(), name)
		}
	}
	return nil
}

type fsWriteCmd struct {
	Src  string `arg:"" type:"existingfile" help:"Host file to copy."`
	Dst  string `arg:"" optional:"" help:"Destination path (default basename of src)."`
	Dirs bool   `short:"p" help:"Create parent directories."`
}

func (cmd *fsWriteCmd) Run(e *env) error {
	dst := cmd.Dst
	if dst == "" {
		dst = "/" + path.Base(cmd.Src)
	}
	data, err := os.ReadFile(cmd.Src)
	if err != nil {
		return err
	}

	lfs, err := mountLFS(e, false)
	if err != nil {
		return err
	}
	defer lfs.Unmount()

	if cmd.Dirs {
		if err := mkdirAll(lfs, path.Dir(dst)); err != nil {
			return err
		}
	}
	f, err := lfs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("%s -> %s (%d bytes)\n", cmd.Src, dst, len(data))
	return nil
}

func mkdirAll(lfs *littlefs.LFS, dir string) error {
	if dir == "/" || dir == "." || dir == "" {
		return nil
	}
	if err := mkdirAll(lfs, path.Dir(dir)); err != nil {
		return err
	}
	if err := lfs.Mkdir(dir, 0o755); err != nil {
		if fi, statErr := lfs.Stat(dir); statErr == nil && fi.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

type fsCatCmd struct {
	Path string `arg:"" help:"File to print."`
}

func (cmd *fsCatCmd) Run(e *env) error {
	lfs, err := mountLFS(e, false)
	if err != nil {
		return err
	}
	defer lfs.Unmount()

	f, err := lfs.Open(cmd.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

type fsRmCmd struct {
	Path string `arg:"" help:"Path to remove."`
}

func (cmd *fsRmCmd) Run(e *env) error {
	lfs, err := mountLFS(e, false)
	if err != nil {
		return err
	}
	defer lfs.Unmount()
	if err := lfs.Remove(cmd.Path); err != nil {
		return err
	}
	fmt.Println("removed", cmd.Path)
	return nil
}
