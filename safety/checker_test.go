package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFlagsDirectBannedCall(t *testing.T) {
	v := Check("import os\nos.system('echo hi')\n")
	require.Len(t, v, 1)
	assert.Equal(t, "os.system", v[0].Name)
	assert.Equal(t, 2, v[0].Lineno)
}

func TestCheckResolvesImportAlias(t *testing.T) {
	v := Check("import os as o\no.system('x')\n")
	require.Len(t, v, 1)
	assert.Equal(t, "os.system", v[0].Name)
}

func TestCheckResolvesFromImportAlias(t *testing.T) {
	v := Check("from subprocess import Popen as P\nP(['ls'])\n")
	require.Len(t, v, 1)
	assert.Equal(t, "subprocess.Popen", v[0].Name)
}

func TestCheckDoesNotBanReCompile(t *testing.T) {
	v := Check("import re\nre.compile('a.*b')\n")
	assert.Empty(t, v)
}

func TestCheckFlagsBareCompile(t *testing.T) {
	v := Check("compile('1+1', '<s>', 'eval')\n")
	require.Len(t, v, 1)
	assert.Equal(t, "compile", v[0].Name)
}

func TestCheckIgnoresWildcardImport(t *testing.T) {
	v := Check("from os import *\nsystem('x')\n")
	assert.Empty(t, v)
}

func TestCheckDoesNotFlagCallOnCallResult(t *testing.T) {
	v := Check("get_os()('x')\n")
	assert.Empty(t, v)
}

func TestCheckUnterminatedStringYieldsNoViolations(t *testing.T) {
	v := Check("os.system('unterminated\n")
	assert.Empty(t, v)
}

func TestCheckSortsByLineColName(t *testing.T) {
	v := Check("import os\nos.system('a'); eval('1')\n__import__('os')\n")
	require.Len(t, v, 3)
	assert.Equal(t, "os.system", v[0].Name)
	assert.Equal(t, "eval", v[1].Name)
	assert.Equal(t, "__import__", v[2].Name)
}

func TestCheckFlagsMultipleBannedNames(t *testing.T) {
	src := "import subprocess\nsubprocess.run(['ls'])\nsubprocess.check_output(['ls'])\n"
	v := Check(src)
	require.Len(t, v, 2)
	assert.Equal(t, "subprocess.run", v[0].Name)
	assert.Equal(t, "subprocess.check_output", v[1].Name)
}
