// 版权所有 2024 FinFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 config 提供 FinFlow 的配置加载：默认值、YAML 文件、环境变量三层
覆盖，环境变量只覆盖部署时常变的字段（端口、Redis 地址、密钥等）。
*/
package config
