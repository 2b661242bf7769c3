package environment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	markers = []string{
		filepath.Join("bin", "python"),
		filepath.Join("bin", "activate"),
		filepath.Join("Scripts", "python.exe"),
		filepath.Join("Scripts", "activate.bat"),
	}
	interpreters = []string{
		filepath.Join("bin", "python"),
		filepath.Join("Scripts", "python.exe"),
	}
	requirementsPatterns = []string{"requirements.txt", "requirements-*.txt", "req-*.txt", "deps.txt"}
	mainFileNames        = []string{"main.py", "run.py", "task.py", "execute.py"}
	skippedDirs          = map[string]bool{".git": true, "__pycache__": true, "node_modules": true, ".mypy_cache": true}
)

// Environment is an interpreter environment found under the task root.
type Environment struct {
	Name             string `json:"name"`
	Path             string `json:"path"`
	TaskFolder       string `json:"task_folder"`
	PythonExecutable string `json:"python_executable,omitempty"`
}

// RequirementsFile is a dependency manifest found under the task root.
type RequirementsFile struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	TaskFolder string `json:"task_folder"`
	SizeBytes  int64  `json:"size_bytes"`
}

// TaskProject is a directory holding a multi-file task.
type TaskProject struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	MainFile  string   `json:"main_file"`
	FileCount int      `json:"file_count"`
	Files     []string `json:"files"`
	IsPackage bool     `json:"is_package"`
}

// IsEnvironment reports whether dir carries one of the interpreter environment markers.
func IsEnvironment(dir string) bool {
	for _, m := range markers {
		if exists(filepath.Join(dir, m)) {
			return true
		}
	}
	return false
}

// PythonExecutable returns the interpreter inside an environment directory, or
// an empty string when there is none.
func PythonExecutable(dir string) string {
	for _, rel := range interpreters {
		p := filepath.Join(dir, rel)
		if exists(p) {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}

// DiscoverEnvironments walks root and returns every environment directory
// found within MaxDepth levels. Environment directories are not descended into.
func (r *Resolver) DiscoverEnvironments(root string) ([]Environment, error) {
	root, err := checkRoot(root)
	if err != nil {
		return nil, err
	}
	var envs []Environment
	err = r.walk(root, func(path string, d fs.DirEntry) error {
		if !d.IsDir() || !IsEnvironment(path) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		envs = append(envs, Environment{
			Name:             strings.ReplaceAll(filepath.ToSlash(rel), "/", "_"),
			Path:             path,
			TaskFolder:       folderOf(rel),
			PythonExecutable: PythonExecutable(path),
		})
		return fs.SkipDir
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// DiscoverRequirementsFiles returns every dependency manifest under root.
func (r *Resolver) DiscoverRequirementsFiles(root string) ([]RequirementsFile, error) {
	root, err := checkRoot(root)
	if err != nil {
		return nil, err
	}
	var files []RequirementsFile
	err = r.walk(root, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			if path != root && IsEnvironment(path) {
				return fs.SkipDir
			}
			return nil
		}
		if !isRequirementsName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		folder := folderOf(rel)
		files = append(files, RequirementsFile{
			Name:       folder + "_" + d.Name(),
			Path:       path,
			TaskFolder: folder,
			SizeBytes:  info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DiscoverTaskProjects inspects the direct sub-directories of root. A
// directory is a project when it holds more than one Python file and either a
// conventional main file or an __init__.py.
func (r *Resolver) DiscoverTaskProjects(root string) ([]TaskProject, error) {
	root, err := checkRoot(root)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read task root: %w", err)
	}
	var projects []TaskProject
	for _, entry := range entries {
		if !entry.IsDir() || skippedDirs[entry.Name()] {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if IsEnvironment(dir) {
			continue
		}
		files, err := pythonFiles(dir)
		if err != nil || len(files) < 2 {
			continue
		}
		project := TaskProject{Name: entry.Name(), Path: dir, FileCount: len(files), Files: files}
		if main := findMainFile(entry.Name(), files); main != "" {
			project.MainFile = filepath.Join(entry.Name(), main)
		} else if contains(files, "__init__.py") {
			for _, f := range files {
				if f != "__init__.py" {
					project.MainFile = filepath.Join(entry.Name(), f)
					break
				}
			}
			project.IsPackage = true
		} else {
			continue
		}
		projects = append(projects, project)
	}
	return projects, nil
}

func (r *Resolver) walk(root string, visit func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() && path != root {
			if skippedDirs[d.Name()] {
				return fs.SkipDir
			}
			if r.cfg.MaxDepth > 0 && depth(root, path) > r.cfg.MaxDepth {
				return fs.SkipDir
			}
		}
		return visit(path, d)
	})
}

func checkRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve task root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("task root %s: %w", abs, ErrNotFound)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("task root %s is not a directory", abs)
	}
	return abs, nil
}

func pythonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func findMainFile(dirName string, files []string) string {
	for _, name := range append(mainFileNames, dirName+".py") {
		if contains(files, name) {
			return name
		}
	}
	return ""
}

func isRequirementsName(name string) bool {
	for _, pattern := range requirementsPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func folderOf(rel string) string {
	parent := filepath.ToSlash(filepath.Dir(rel))
	if parent == "." || parent == "" {
		return "root"
	}
	return parent
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
